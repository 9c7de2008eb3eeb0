// Package idempotency replays the first response produced for an Idempotency-Key so kiosks
// and staff tablets can retry order and payment creation without duplicating either.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"time"
)

// DefaultTTL is how long a claimed key is remembered when no TTL is configured.
const DefaultTTL = 24 * time.Hour

// Phase tracks an entry from claim to stored response.
type Phase string

const (
	PhaseInFlight Phase = "in_flight"
	PhaseDone     Phase = "done"
)

// Entry is one claimed key. Replay is set once Phase is PhaseDone.
type Entry struct {
	Key         string    `json:"key" firestore:"key"`
	Fingerprint string    `json:"fingerprint" firestore:"fingerprint"`
	Phase       Phase     `json:"phase" firestore:"phase"`
	Replay      *Replay   `json:"replay,omitempty" firestore:"replay,omitempty"`
	ClaimedAt   time.Time `json:"claimed_at" firestore:"claimed_at"`
	ExpiresAt   time.Time `json:"expires_at" firestore:"expires_at"`
}

// Replay is the captured response written back to retried requests.
type Replay struct {
	Status int                 `json:"status" firestore:"status"`
	Header map[string][]string `json:"header,omitempty" firestore:"header,omitempty"`
	Body   []byte              `json:"body,omitempty" firestore:"body,omitempty"`
}

func (e Entry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Store persists entries. Implementations must make Claim atomic across replicas that share
// the backend.
type Store interface {
	// Claim saves e unless a live entry already holds e.Key. In that case the holder is
	// returned and claimed is false. Expiry is judged against e.ClaimedAt.
	Claim(ctx context.Context, e Entry) (held Entry, claimed bool, err error)
	// Finish replaces the entry stored under e.Key.
	Finish(ctx context.Context, e Entry) error
	// Abandon forgets key so the next request with it runs the handler again.
	Abandon(ctx context.Context, key string) error
	// Sweep deletes up to limit entries that expired before now.
	Sweep(ctx context.Context, now time.Time, limit int) (int, error)
}

// storageKey turns the scoped key into a fixed length id usable as a document id.
func storageKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// hopHeaders are connection specific and never replayed.
var hopHeaders = map[string]bool{
	"Connection":          true,
	"Content-Length":      true,
	"Date":                true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

func replayableHeader(h http.Header) map[string][]string {
	out := make(map[string][]string, len(h))
	for name, values := range h {
		name = http.CanonicalHeaderKey(name)
		if hopHeaders[name] || len(values) == 0 {
			continue
		}
		out[name] = append([]string(nil), values...)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
