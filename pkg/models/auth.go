package models

// Capability is a permission a credential may be scoped to.
type Capability string

// CapabilitySubmitTelemetry allows a credential to append readings.
const CapabilitySubmitTelemetry Capability = "telemetry:submit"

// Verification is the authorization service's answer for a presented key.
// CredentialID and PrincipalID are only meaningful when Valid is true.
type Verification struct {
	Valid        bool
	CredentialID string
	PrincipalID  string
}

// Credential describes a device credential without its secret.
type Credential struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	OwnerID string `json:"owner_id"`
	Enabled bool   `json:"enabled"`
}
