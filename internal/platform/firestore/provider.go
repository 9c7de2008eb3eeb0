// Package firestore holds the Cloud Firestore plumbing shared by the order, payment and
// catalogue repositories: a lazily dialled client, typed collection access and error
// classification.
package firestore

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/fastfood-order/api/internal/platform/config"
)

const (
	envEmulatorHost    = "FIRESTORE_EMULATOR_HOST"
	envGoogleProjectID = "GOOGLE_CLOUD_PROJECT"
)

// ErrProviderClosed is returned by Client once Close has been called.
var ErrProviderClosed = errors.New("firestore: provider is closed")

// TxFunc runs inside a Firestore transaction. Firestore replays it on contention, so it
// must only touch tx.
type TxFunc func(ctx context.Context, tx *firestore.Transaction) error

// txPolicy bounds order transitions: a handful of retries on contention and a hard cap on
// the whole transaction so a stuck status change cannot hold a request open.
type txPolicy struct {
	attempts int
	timeout  time.Duration
}

var defaultTxPolicy = txPolicy{attempts: 5, timeout: 15 * time.Second}

type dialFunc func(ctx context.Context, projectID string, opts ...option.ClientOption) (*firestore.Client, error)

// Provider shares one Firestore client between the repositories. Nothing is dialled until
// the first Client call, and a failed dial is retried on the next one.
type Provider struct {
	cfg         config.FirestoreConfig
	credentials string
	policy      txPolicy
	dialTimeout time.Duration
	newClient   dialFunc

	mu     sync.Mutex
	client *firestore.Client
	closed bool
}

type ProviderOption func(*Provider)

// WithCredentialsFile authenticates with a service account key instead of ADC.
func WithCredentialsFile(path string) ProviderOption {
	return func(p *Provider) { p.credentials = strings.TrimSpace(path) }
}

func NewProvider(cfg config.FirestoreConfig, opts ...ProviderOption) *Provider {
	p := &Provider{
		cfg:         cfg,
		policy:      defaultTxPolicy,
		dialTimeout: 10 * time.Second,
		newClient:   firestore.NewClient,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

func (p *Provider) Client(ctx context.Context) (*firestore.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.closed:
		return nil, ErrProviderClosed
	case p.client != nil:
		return p.client, nil
	}

	projectID := cmp.Or(strings.TrimSpace(p.cfg.ProjectID), strings.TrimSpace(os.Getenv(envGoogleProjectID)))
	if projectID == "" {
		return nil, errors.New("firestore: project id is required")
	}
	ctx, cancel := context.WithTimeout(ctx, p.dialTimeout)
	defer cancel()
	client, err := p.newClient(ctx, projectID, p.dialOptions()...)
	if err != nil {
		return nil, fmt.Errorf("firestore: dial %s: %w", projectID, err)
	}
	p.client = client
	return client, nil
}

// RunTransaction runs fn read-write under the provider's retry policy. A caller deadline
// shorter than the policy timeout wins.
func (p *Provider) RunTransaction(ctx context.Context, fn TxFunc) error {
	if fn == nil {
		return Wrap("transaction", errors.New("firestore: transaction function is nil"))
	}
	client, err := p.Client(ctx)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > p.policy.timeout {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.policy.timeout)
		defer cancel()
	}
	return Wrap("transaction", client.RunTransaction(ctx, fn, firestore.MaxAttempts(p.policy.attempts)))
}

// Close releases the client without waiting past ctx. Later Client calls fail.
func (p *Provider) Close(ctx context.Context) error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	client := p.client
	p.client, p.closed = nil, true
	p.mu.Unlock()
	if client == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- client.Close() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Provider) dialOptions() []option.ClientOption {
	var opts []option.ClientOption
	if p.credentials != "" {
		opts = append(opts, option.WithCredentialsFile(p.credentials))
	}
	host := cmp.Or(strings.TrimSpace(p.cfg.EmulatorHost), strings.TrimSpace(os.Getenv(envEmulatorHost)))
	if host == "" {
		return opts
	}
	// The client library only adds the emulator auth header when the variable is set.
	if os.Getenv(envEmulatorHost) == "" {
		_ = os.Setenv(envEmulatorHost, host)
	}
	return []option.ClientOption{
		option.WithoutAuthentication(),
		option.WithEndpoint(host),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	}
}
