// Package auth decides which credential digests may open a tunnel and keeps
// per-credential traffic accounting.
//
// Sessions only ever see the Authenticator interface. Two backends exist: an
// in-memory set built from the configured passwords, and a SQL usage ledger
// with quotas.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// ErrRejected is returned by helpers that turn a rejected digest into an error.
var ErrRejected = errors.New("credential rejected")

// Authenticator validates credential digests and records traffic.
// Implementations are safe for concurrent use.
type Authenticator interface {
	// Authenticate reports whether digest may open a tunnel. A non-nil error
	// means the backend could not answer; callers treat it as a rejection.
	Authenticate(ctx context.Context, digest string) (bool, error)

	// RecordUsage adds traffic to the account behind digest. Failures are
	// reported but never abort a session.
	RecordUsage(ctx context.Context, digest string, upload, download uint64) error

	// Reload refreshes the backing credentials.
	Reload(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// Digest returns the lowercase hex SHA-224 of password, the form in which
// credentials travel on the wire.
func Digest(password string) string {
	sum := sha256.Sum224([]byte(password))
	return hex.EncodeToString(sum[:])
}

// Check runs Authenticate and folds a rejection into ErrRejected.
func Check(ctx context.Context, a Authenticator, digest string) error {
	ok, err := a.Authenticate(ctx, digest)
	if err != nil {
		return err
	}
	if !ok {
		return ErrRejected
	}
	return nil
}
