// Package authclient talks to a remote API-key authorization service and
// caches its positive answers.
package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jakobscode/gnss-tracker/pkg/keyring"
	"github.com/jakobscode/gnss-tracker/pkg/models"
)

type verifyRequest struct {
	Key         string              `json:"key"`
	Permissions map[string][]string `json:"permissions"`
}

type apiKey struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	UserID  string `json:"userId"`
	Enabled bool   `json:"enabled"`
}

type verifyResponse struct {
	Valid bool    `json:"valid"`
	Key   *apiKey `json:"key"`
}

// Client is safe for concurrent use.
type Client struct {
	httpClient *http.Client
	verifyURL  string
	getURL     string
	listURL    string
	token      string
	cache      *resultCache
}

// NewClient creates a client for the service at baseURL. serviceToken, when
// set, is sent as a bearer token. cacheTTL <= 0 disables caching.
func NewClient(baseURL, serviceToken string, httpClient *http.Client, cacheTTL time.Duration) (*Client, error) {
	if httpClient == nil {
		return nil, fmt.Errorf("HTTP client is nil")
	}
	verifyURL, err := url.JoinPath(baseURL, "api-key", "verify")
	if err != nil {
		return nil, fmt.Errorf("create verify URL: %w", err)
	}
	getURL, err := url.JoinPath(baseURL, "api-key", "get")
	if err != nil {
		return nil, fmt.Errorf("create get URL: %w", err)
	}
	listURL, err := url.JoinPath(baseURL, "api-key", "list")
	if err != nil {
		return nil, fmt.Errorf("create list URL: %w", err)
	}
	return &Client{
		httpClient: httpClient,
		verifyURL:  verifyURL,
		getURL:     getURL,
		listURL:    listURL,
		token:      serviceToken,
		cache:      newResultCache(cacheTTL),
	}, nil
}

// VerifyCapability implements ingest.Authorizer.
func (c *Client) VerifyCapability(ctx context.Context, presented string, capability models.Capability) (models.Verification, error) {
	cacheKey := verifyKey(keyring.HashKey(presented), capability)
	if v, ok := c.cache.verification(cacheKey); ok {
		return v, nil
	}

	body, err := json.Marshal(verifyRequest{Key: presented, Permissions: permissions(capability)})
	if err != nil {
		return models.Verification{}, fmt.Errorf("failed to marshal verify request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.verifyURL, bytes.NewReader(body))
	if err != nil {
		return models.Verification{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var resp verifyResponse
	if _, err := c.do(req, &resp); err != nil {
		return models.Verification{}, err
	}
	if !resp.Valid || resp.Key == nil || resp.Key.ID == "" {
		return models.Verification{}, nil
	}
	v := models.Verification{Valid: true, CredentialID: resp.Key.ID, PrincipalID: resp.Key.UserID}
	c.cache.setVerification(cacheKey, v)
	c.cache.setOwner(v.CredentialID, v.PrincipalID)
	return v, nil
}

// ResolveOwner implements history.OwnerResolver.
func (c *Client) ResolveOwner(ctx context.Context, credentialID string) (string, error) {
	if owner, ok := c.cache.owner(credentialID); ok {
		return owner, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.getURL+"?"+url.Values{"id": {credentialID}}.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	var key apiKey
	status, err := c.do(req, &key)
	if status == http.StatusNotFound {
		return "", models.ErrCredentialNotFound
	}
	if err != nil {
		return "", err
	}
	if key.UserID == "" {
		return "", models.ErrCredentialNotFound
	}
	c.cache.setOwner(credentialID, key.UserID)
	return key.UserID, nil
}

// CredentialsOf lists the principal's credentials. Results are not cached.
func (c *Client) CredentialsOf(ctx context.Context, principal string) ([]models.Credential, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.listURL+"?"+url.Values{"userId": {principal}}.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	var keys []apiKey
	if _, err := c.do(req, &keys); err != nil {
		return nil, err
	}
	out := make([]models.Credential, 0, len(keys))
	for _, k := range keys {
		if k.UserID != principal {
			continue
		}
		out = append(out, models.Credential{ID: k.ID, Name: k.Name, OwnerID: k.UserID, Enabled: k.Enabled})
	}
	return out, nil
}

// do sends req and decodes a 200 response into out. It returns the status
// code alongside any error so callers can special-case 404.
func (c *Client) do(req *http.Request, out any) (int, error) {
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return resp.StatusCode, fmt.Errorf("auth service returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
	}
	return resp.StatusCode, nil
}

// permissions maps "resource:action" to the service's {resource: [action]}.
func permissions(c models.Capability) map[string][]string {
	resource, action, ok := strings.Cut(string(c), ":")
	if !ok {
		return map[string][]string{resource: {}}
	}
	return map[string][]string{resource: {action}}
}
