// Package credential implements the Credential Decoder: it reads
// encrypted OAuth tokens from an external user-profile store, decrypts
// them with a key derived from two process-scoped secrets, and hands
// back a usable credential bundle to the Google Drive transfer executor.
package credential

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/scidatahub/ingestpipe/pkg/pipelineerr"
	"github.com/scidatahub/ingestpipe/pkg/types"
)

// UserProfileStore is the narrow external dependency the credential
// decoder reads from and
// writes mark_invalid back to. The core never owns this data; it only
// consumes it and, on an irrecoverable refresh error, flips one flag.
type UserProfileStore interface {
	// GetCredential returns the stored (still-encrypted) credential
	// record for userID.
	GetCredential(userID string) (*StoredCredential, error)

	// MarkInvalid sets refresh_invalidated=true on userID's credential
	// record so subsequent attempts fail fast without calling the
	// upstream OAuth provider.
	MarkInvalid(userID string, reason string) error
}

// StoredCredential is the at-rest shape of a Credential Record:
// encrypted tokens plus the metadata needed to decide whether decryption
// should even be attempted.
type StoredCredential struct {
	UserID              string
	EncryptedAccessToken  []byte
	EncryptedRefreshToken []byte
	Expiry                time.Time
	Scopes                []string // nil if not recorded at grant time
	RefreshInvalidated    bool
}

// Decoder derives a deterministic AES-256-GCM key and IV from two
// process-scoped secrets (never persisted, supplied at process startup)
// and uses them to decrypt tokens read from a UserProfileStore.
type Decoder struct {
	store UserProfileStore
	key   []byte // 32 bytes, AES-256
}

// NewDecoder derives the decryption key from secretA and secretB via
// SHA-256: deterministic, so the same two secrets always produce the
// same key, but the key itself is never stored anywhere.
func NewDecoder(store UserProfileStore, secretA, secretB string) *Decoder {
	hash := sha256.Sum256([]byte(secretA + ":" + secretB))
	return &Decoder{store: store, key: hash[:]}
}

// Get returns the decrypted credential bundle for userID. If the stored
// record has refresh_invalidated set, returns a CredentialExpired error
// without attempting decryption — the consumer (the Drive executor)
// must fail the run immediately rather than retry a token that is known
// dead.
func (d *Decoder) Get(userID string) (*types.Credential, error) {
	stored, err := d.store.GetCredential(userID)
	if err != nil {
		return nil, pipelineerr.Wrap(pipelineerr.KindTransient, err, "failed to read credential record")
	}

	if stored.RefreshInvalidated {
		return nil, pipelineerr.New(pipelineerr.KindCredentialExpired, "credential refresh has been invalidated, user must re-authorize")
	}

	accessToken, err := d.decrypt(stored.EncryptedAccessToken)
	if err != nil {
		return nil, pipelineerr.Wrap(pipelineerr.KindCredentialExpired, err, "failed to decrypt access token")
	}
	refreshToken, err := d.decrypt(stored.EncryptedRefreshToken)
	if err != nil {
		return nil, pipelineerr.Wrap(pipelineerr.KindCredentialExpired, err, "failed to decrypt refresh token")
	}

	return &types.Credential{
		AccessToken:  string(accessToken),
		RefreshToken: string(refreshToken),
		Expiry:       stored.Expiry,
		Scopes:       stored.Scopes,
	}, nil
}

// MarkInvalid records that userID's refresh token can no longer be used.
// Called by an executor when the OAuth provider reports an
// invalid_grant error.
func (d *Decoder) MarkInvalid(userID, reason string) error {
	return d.store.MarkInvalid(userID, reason)
}

// iv is derived deterministically from the same key material rather than
// generated randomly per-token: the key and IV both derive from two
// process-scoped secrets, not a per-encryption nonce.
// The IV never repeats across distinct keys because it is itself a hash
// of the key, but a given (secretA, secretB) pair always decrypts the
// same stored ciphertext the same way.
func (d *Decoder) nonce(gcm cipher.AEAD) []byte {
	h := sha256.Sum256(append([]byte("iv"), d.key...))
	return h[:gcm.NonceSize()]
}

func (d *Decoder) decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, fmt.Errorf("credential: empty ciphertext")
	}

	block, err := aes.NewCipher(d.key)
	if err != nil {
		return nil, fmt.Errorf("credential: failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("credential: failed to create GCM: %w", err)
	}

	nonce := d.nonce(gcm)
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("credential: decryption failed: %w", err)
	}
	return plaintext, nil
}
