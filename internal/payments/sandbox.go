package payments

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

const (
	// SandboxName is the provider key of the in-process gateway.
	SandboxName = "sandbox"
	// SandboxTopic is the only notification topic the sandbox gateway accepts.
	SandboxTopic = "sandbox.charge"
	// SandboxStatusPending is the initial status of sandbox charges.
	SandboxStatusPending = "pending"
)

// SandboxGateway is an in-process Gateway used for local runs and tests. Charges stay pending
// until SetStatus is called.
type SandboxGateway struct {
	mu       sync.Mutex
	seq      int
	statuses map[string]string
	token    string
}

var _ Gateway = (*SandboxGateway)(nil)

// NewSandboxGateway constructs an empty sandbox gateway.
func NewSandboxGateway() *SandboxGateway {
	return &SandboxGateway{
		statuses: make(map[string]string),
		token:    "sandbox-token",
	}
}

// Name implements Gateway.
func (g *SandboxGateway) Name() string { return SandboxName }

// Authenticate returns a static credential.
func (g *SandboxGateway) Authenticate(context.Context) (Credential, error) {
	return Credential{AccessToken: g.token, TokenType: "Bearer", AccountID: SandboxName}, nil
}

// CreateCharge records a pending charge and returns a deterministic payload.
func (g *SandboxGateway) CreateCharge(ctx context.Context, _ Credential, req ChargeRequest) (Charge, error) {
	if err := ctx.Err(); err != nil {
		return Charge{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	ref := fmt.Sprintf("sbx_%06d", g.seq)
	g.statuses[ref] = SandboxStatusPending
	return Charge{
		Provider:          SandboxName,
		ExternalReference: ref,
		QRPayload:         fmt.Sprintf("sandbox://charge/%s?order=%s&amount=%s", ref, req.OrderID, req.Amount.StringFixed(2)),
	}, nil
}

// GetChargeStatus reports the current sandbox status.
func (g *SandboxGateway) GetChargeStatus(ctx context.Context, _ Credential, lookup ChargeLookup) (ChargeStatus, error) {
	if err := ctx.Err(); err != nil {
		return ChargeStatus{}, err
	}
	ref := strings.TrimSpace(lookup.Resource)
	if ref == "" {
		ref = strings.TrimSpace(lookup.ExternalReference)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	status, ok := g.statuses[ref]
	if !ok {
		return ChargeStatus{}, ErrChargeNotFound
	}
	return ChargeStatus{ID: ref, ExternalReference: ref, Status: status}, nil
}

// ParseNotification accepts SandboxTopic notifications whose resource is the charge reference.
func (g *SandboxGateway) ParseNotification(topic, resource string) (ChargeLookup, bool) {
	if strings.TrimSpace(topic) != SandboxTopic || strings.TrimSpace(resource) == "" {
		return ChargeLookup{}, false
	}
	return ChargeLookup{Resource: strings.TrimSpace(resource)}, true
}

// SetStatus overrides the status reported for a charge.
func (g *SandboxGateway) SetStatus(reference, status string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.statuses[reference]; !ok {
		return ErrChargeNotFound
	}
	g.statuses[reference] = status
	return nil
}
