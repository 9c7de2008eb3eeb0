package idempotency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"

	"github.com/fastfood-order/api/internal/platform/auth"
	"github.com/fastfood-order/api/internal/platform/httpx"
)

const (
	defaultHeader = "Idempotency-Key"
	replayHeader  = "X-Idempotent-Replay"
	maxKeyLength  = 255
	maxBodyBytes  = 1 << 20
)

var errBodyTooLarge = errors.New("idempotency: request body too large")

// Outcomes passed to the recorder set with WithOutcomeRecorder.
const (
	OutcomeExecuted   = "executed"
	OutcomeReplayed   = "replayed"
	OutcomeInFlight   = "in_flight"
	OutcomeReused     = "reused"
	OutcomeStoreError = "store_error"
)

// Guard wraps handlers that create orders or payment requests.
type Guard struct {
	store    Store
	header   string
	ttl      time.Duration
	required bool
	now      func() time.Time
	logger   *zap.Logger
	record   func(outcome string)
}

// Option customises New.
type Option func(*Guard)

func WithHeader(name string) Option {
	return func(g *Guard) {
		if name = strings.TrimSpace(name); name != "" {
			g.header = name
		}
	}
}

// WithTTL bounds how long a response stays replayable.
func WithTTL(ttl time.Duration) Option {
	return func(g *Guard) {
		if ttl > 0 {
			g.ttl = ttl
		}
	}
}

// RequireKey rejects requests without the header instead of passing them through.
func RequireKey() Option {
	return func(g *Guard) { g.required = true }
}

func WithLogger(logger *zap.Logger) Option {
	return func(g *Guard) {
		if logger != nil {
			g.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(g *Guard) {
		if now != nil {
			g.now = now
		}
	}
}

func WithOutcomeRecorder(record func(outcome string)) Option {
	return func(g *Guard) {
		if record != nil {
			g.record = record
		}
	}
}

func New(store Store, opts ...Option) *Guard {
	g := &Guard{
		store:  store,
		header: defaultHeader,
		ttl:    DefaultTTL,
		now:    time.Now,
		logger: zap.NewNop(),
		record: func(string) {},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// Wrap runs next at most once per key and requester while the entry lives. Retries with the
// same request get the stored response; 5xx responses are not stored so a retry after a
// gateway outage runs next again.
func (g *Guard) Wrap(next http.Handler) http.Handler {
	if g == nil || g.store == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		key := strings.TrimSpace(r.Header.Get(g.header))
		if key == "" {
			if g.required {
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_key_required", g.header+" header is required", http.StatusBadRequest))
				return
			}
			next.ServeHTTP(w, r)
			return
		}
		if !validKey(key) {
			httpx.WriteError(ctx, w, httpx.NewError("idempotency_key_invalid", g.header+" must be 1-255 printable characters", http.StatusBadRequest))
			return
		}

		body, err := bufferBody(r)
		if errors.Is(err, errBodyTooLarge) {
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body is too large", http.StatusRequestEntityTooLarge))
			return
		}
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_body", "unable to read request body", http.StatusBadRequest))
			return
		}

		scope := requesterScope(ctx)
		now := g.now().UTC()
		claim := Entry{
			Key:         scope + "/" + key,
			Fingerprint: fingerprint(r, scope, body),
			Phase:       PhaseInFlight,
			ClaimedAt:   now,
			ExpiresAt:   now.Add(g.ttl),
		}
		log := g.logger.With(zap.String("idempotency_key", key), zap.String("scope", scope))

		held, claimed, err := g.store.Claim(ctx, claim)
		if err != nil {
			log.Error("idempotency claim failed", zap.Error(err))
			g.record(OutcomeStoreError)
			httpx.WriteError(ctx, w, httpx.NewError("idempotency_unavailable", "unable to process idempotency key", http.StatusServiceUnavailable).
				WithRetryAfter(time.Second))
			return
		}
		if !claimed {
			g.answerHeld(ctx, w, held, claim.Fingerprint)
			return
		}

		detached := context.WithoutCancel(ctx)
		capture := newCapture()
		completed := false
		defer func() {
			if !completed {
				if err := g.store.Abandon(detached, claim.Key); err != nil {
					log.Warn("idempotency abandon after panic failed", zap.Error(err))
				}
			}
		}()
		next.ServeHTTP(capture, r)
		completed = true

		if capture.status >= http.StatusInternalServerError {
			if err := g.store.Abandon(detached, claim.Key); err != nil {
				log.Warn("idempotency abandon failed", zap.Error(err))
			}
		} else {
			done := claim
			done.Phase = PhaseDone
			done.Replay = capture.replay()
			done.ExpiresAt = g.now().UTC().Add(g.ttl)
			if err := g.store.Finish(detached, done); err != nil {
				// The side effect already happened; deliver it and let the key be reused.
				log.Error("idempotency finish failed", zap.Error(err))
				if err := g.store.Abandon(detached, claim.Key); err != nil {
					log.Warn("idempotency abandon failed", zap.Error(err))
				}
			}
		}
		g.record(OutcomeExecuted)
		capture.flush(w)
	})
}

func (g *Guard) answerHeld(ctx context.Context, w http.ResponseWriter, held Entry, fp string) {
	switch {
	case held.Fingerprint != fp:
		g.record(OutcomeReused)
		httpx.WriteError(ctx, w, httpx.NewError("idempotency_key_reused", "idempotency key was already used with a different request", http.StatusUnprocessableEntity))
	case held.Phase == PhaseDone && held.Replay != nil:
		g.record(OutcomeReplayed)
		writeReplay(w, *held.Replay)
	default:
		g.record(OutcomeInFlight)
		httpx.WriteError(ctx, w, httpx.NewError("idempotency_in_progress", "a request with this idempotency key is still being processed", http.StatusConflict).
			WithRetryAfter(time.Second))
	}
}

func validKey(key string) bool {
	if len(key) > maxKeyLength {
		return false
	}
	return strings.IndexFunc(key, func(r rune) bool { return !unicode.IsPrint(r) }) < 0
}

func bufferBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxBodyBytes {
		return nil, errBodyTooLarge
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

// requesterScope keeps staff members and calling services from colliding on keys. Kiosk
// traffic has no identity and shares one scope.
func requesterScope(ctx context.Context) string {
	if identity, ok := auth.IdentityFromContext(ctx); ok && identity != nil && identity.UID != "" {
		return "staff:" + identity.UID
	}
	if svc, ok := auth.ServiceIdentityFromContext(ctx); ok && svc != nil && svc.Subject != "" {
		return "service:" + svc.Subject
	}
	return "kiosk"
}

// fingerprint hashes the request target and body. JSON bodies are re-encoded first so key
// order and whitespace differences between retries do not count as a different request.
func fingerprint(r *http.Request, scope string, body []byte) string {
	h := sha256.New()
	for _, part := range []string{strings.ToUpper(r.Method), r.URL.Path, r.URL.RawQuery, scope} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	h.Write(canonicalJSON(body))
	return hex.EncodeToString(h.Sum(nil))
}

func canonicalJSON(body []byte) []byte {
	var decoded any
	if len(body) == 0 || json.Unmarshal(body, &decoded) != nil {
		return body
	}
	out, err := json.Marshal(decoded)
	if err != nil {
		return body
	}
	return out
}

func writeReplay(w http.ResponseWriter, replay Replay) {
	header := w.Header()
	for name, values := range replay.Header {
		header[name] = append([]string(nil), values...)
	}
	header.Set(replayHeader, "true")
	status := replay.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(replay.Body)
}

// capture holds the handler response until the entry has been finished.
type capture struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newCapture() *capture {
	return &capture{header: make(http.Header)}
}

func (c *capture) Header() http.Header { return c.header }

func (c *capture) WriteHeader(status int) {
	if c.status == 0 {
		c.status = status
	}
}

func (c *capture) Write(p []byte) (int, error) {
	if c.status == 0 {
		c.status = http.StatusOK
	}
	return c.body.Write(p)
}

func (c *capture) replay() *Replay {
	out := &Replay{Status: c.status, Header: replayableHeader(c.header)}
	if out.Status == 0 {
		out.Status = http.StatusOK
	}
	if c.body.Len() > 0 {
		out.Body = append([]byte(nil), c.body.Bytes()...)
	}
	return out
}

func (c *capture) flush(w http.ResponseWriter) {
	header := w.Header()
	for name, values := range c.header {
		header[name] = values
	}
	status := c.status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(c.body.Bytes())
}
