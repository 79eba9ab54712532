// Package keyring is a file-backed authorization service. It verifies
// device keys by SHA-256 hash and resolves credentials to their owners.
// Issuing and rotating keys is done by editing the file.
package keyring

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jakobscode/gnss-tracker/pkg/models"
)

// File is the on-disk keyring layout.
type File struct {
	Credentials []Entry `yaml:"credentials"`
}

// Entry is one device credential.
type Entry struct {
	ID           string              `yaml:"id"`
	Name         string              `yaml:"name"`
	Owner        string              `yaml:"owner"`
	KeySHA256    string              `yaml:"keySha256"`
	Capabilities []models.Capability `yaml:"capabilities"`
	Disabled     bool                `yaml:"disabled"`
}

// Keyring is immutable after Load and safe for concurrent use.
type Keyring struct {
	byHash map[string]*Entry
	byID   map[string]*Entry
}

// HashKey returns the hex SHA-256 digest stored in keySha256.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Load reads and parses the keyring at path.
func Load(path string) (*Keyring, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keyring %q: %w", path, err)
	}
	return Parse(data)
}

// Parse builds a Keyring from YAML.
func Parse(data []byte) (*Keyring, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse keyring: %w", err)
	}
	return New(f.Credentials)
}

// New indexes entries, rejecting duplicates and incomplete records.
func New(entries []Entry) (*Keyring, error) {
	k := &Keyring{
		byHash: make(map[string]*Entry, len(entries)),
		byID:   make(map[string]*Entry, len(entries)),
	}
	for i := range entries {
		e := entries[i]
		e.KeySHA256 = strings.ToLower(strings.TrimSpace(e.KeySHA256))
		switch {
		case e.ID == "":
			return nil, fmt.Errorf("credential %d: id is required", i)
		case e.Owner == "":
			return nil, fmt.Errorf("credential %s: owner is required", e.ID)
		case len(e.KeySHA256) != sha256.Size*2:
			return nil, fmt.Errorf("credential %s: keySha256 must be %d hex chars", e.ID, sha256.Size*2)
		}
		if _, err := hex.DecodeString(e.KeySHA256); err != nil {
			return nil, fmt.Errorf("credential %s: keySha256: %w", e.ID, err)
		}
		if _, dup := k.byID[e.ID]; dup {
			return nil, fmt.Errorf("credential %s: duplicate id", e.ID)
		}
		if _, dup := k.byHash[e.KeySHA256]; dup {
			return nil, fmt.Errorf("credential %s: duplicate key", e.ID)
		}
		k.byID[e.ID] = &e
		k.byHash[e.KeySHA256] = &e
	}
	return k, nil
}

// VerifyCapability implements ingest.Authorizer.
func (k *Keyring) VerifyCapability(_ context.Context, presented string, capability models.Capability) (models.Verification, error) {
	e, ok := k.byHash[HashKey(presented)]
	if !ok || e.Disabled || !e.has(capability) {
		return models.Verification{}, nil
	}
	return models.Verification{Valid: true, CredentialID: e.ID, PrincipalID: e.Owner}, nil
}

// ResolveOwner implements history.OwnerResolver.
func (k *Keyring) ResolveOwner(_ context.Context, credentialID string) (string, error) {
	e, ok := k.byID[credentialID]
	if !ok {
		return "", models.ErrCredentialNotFound
	}
	return e.Owner, nil
}

// CredentialsOf lists the credentials owned by principal, sorted by id.
func (k *Keyring) CredentialsOf(_ context.Context, principal string) ([]models.Credential, error) {
	if principal == "" {
		return nil, errors.New("principal is required")
	}
	var out []models.Credential
	for _, e := range k.byID {
		if e.Owner != principal {
			continue
		}
		out = append(out, models.Credential{ID: e.ID, Name: e.Name, OwnerID: e.Owner, Enabled: !e.Disabled})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Len returns the number of credentials.
func (k *Keyring) Len() int { return len(k.byID) }

func (e *Entry) has(c models.Capability) bool {
	for _, have := range e.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}
