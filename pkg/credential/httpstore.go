package credential

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"
)

// HTTPStore is a thin client over the external user-profile service that
// actually owns Credential Records: consumed, not owned, by this core.
// It implements UserProfileStore by translating the credential lookup
// and invalidation operations into plain HTTP calls behind a narrow Go
// interface, the same shape used elsewhere in this codebase for wrapping
// a remote API — minus any gRPC/mTLS machinery, since this collaborator
// runs outside this service's own process boundary.
type HTTPStore struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPStore creates an HTTPStore that talks to baseURL, e.g.
// "https://profiles.internal/api".
func NewHTTPStore(baseURL string) *HTTPStore {
	return &HTTPStore{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// credentialRecordDTO is the wire shape returned by the user-profile
// service: tokens travel base64-encoded since they are raw ciphertext.
type credentialRecordDTO struct {
	UserID                string    `json:"user_id"`
	EncryptedAccessToken  string    `json:"encrypted_access_token"`
	EncryptedRefreshToken string    `json:"encrypted_refresh_token"`
	Expiry                time.Time `json:"expiry"`
	Scopes                []string  `json:"scopes"`
	RefreshInvalidated    bool      `json:"refresh_invalidated"`
}

// GetCredential fetches the still-encrypted credential record for userID.
func (s *HTTPStore) GetCredential(userID string) (*StoredCredential, error) {
	req, err := http.NewRequest(http.MethodGet, s.baseURL+"/users/"+url.PathEscape(userID)+"/credential", nil)
	if err != nil {
		return nil, fmt.Errorf("credential: failed to build request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("credential: request to user-profile store failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("credential: no credential record for user %q", userID)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("credential: user-profile store returned %s", resp.Status)
	}

	var dto credentialRecordDTO
	if err := json.NewDecoder(resp.Body).Decode(&dto); err != nil {
		return nil, fmt.Errorf("credential: failed to decode credential record: %w", err)
	}

	accessToken, err := base64.StdEncoding.DecodeString(dto.EncryptedAccessToken)
	if err != nil {
		return nil, fmt.Errorf("credential: malformed access token encoding: %w", err)
	}
	refreshToken, err := base64.StdEncoding.DecodeString(dto.EncryptedRefreshToken)
	if err != nil {
		return nil, fmt.Errorf("credential: malformed refresh token encoding: %w", err)
	}

	return &StoredCredential{
		UserID:                dto.UserID,
		EncryptedAccessToken:  accessToken,
		EncryptedRefreshToken: refreshToken,
		Expiry:                dto.Expiry,
		Scopes:                dto.Scopes,
		RefreshInvalidated:    dto.RefreshInvalidated,
	}, nil
}

// MarkInvalid sets refresh_invalidated=true on userID's record.
func (s *HTTPStore) MarkInvalid(userID, reason string) error {
	body, err := json.Marshal(map[string]string{"reason": reason})
	if err != nil {
		return fmt.Errorf("credential: failed to encode mark_invalid body: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, s.baseURL+"/users/"+url.PathEscape(userID)+"/credential/invalidate", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("credential: failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("credential: mark_invalid request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("credential: user-profile store returned %s for mark_invalid", resp.Status)
	}
	return nil
}
