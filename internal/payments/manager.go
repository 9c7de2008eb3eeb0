package payments

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Manager keeps the configured gateways and resolves one per request.
type Manager struct {
	gateways        map[string]Gateway
	defaultProvider string
}

// ManagerOption configures optional behaviour when building a Manager.
type ManagerOption func(*Manager)

// WithDefaultProvider overrides the gateway used when no provider is requested.
func WithDefaultProvider(provider string) ManagerOption {
	return func(m *Manager) {
		m.defaultProvider = normaliseKey(provider)
	}
}

// NewManager constructs a Manager over the supplied gateways, keyed by Gateway.Name.
func NewManager(gateways []Gateway, opts ...ManagerOption) (*Manager, error) {
	if len(gateways) == 0 {
		return nil, errors.New("payments: at least one gateway is required")
	}
	registered := make(map[string]Gateway, len(gateways))
	for _, gw := range gateways {
		if gw == nil {
			return nil, errors.New("payments: nil gateway registration")
		}
		key := normaliseKey(gw.Name())
		if key == "" {
			return nil, fmt.Errorf("payments: gateway %T has no name", gw)
		}
		if _, exists := registered[key]; exists {
			return nil, fmt.Errorf("payments: gateway %q registered twice", key)
		}
		registered[key] = gw
	}
	m := &Manager{gateways: registered}
	if len(registered) == 1 {
		for key := range registered {
			m.defaultProvider = key
		}
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.defaultProvider != "" {
		if _, ok := m.gateways[m.defaultProvider]; !ok {
			return nil, fmt.Errorf("%w: default %q", ErrUnsupportedProvider, m.defaultProvider)
		}
	}
	return m, nil
}

// Resolve returns the named gateway, or the default one when provider is blank.
func (m *Manager) Resolve(provider string) (Gateway, error) {
	if m == nil {
		return nil, errors.New("payments: manager is nil")
	}
	key := normaliseKey(provider)
	if key == "" {
		key = m.defaultProvider
	}
	if key == "" {
		return nil, ErrUnsupportedProvider
	}
	gw, ok := m.gateways[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProvider, key)
	}
	return gw, nil
}

// Providers lists the registered gateway names in lexical order.
func (m *Manager) Providers() []string {
	if m == nil {
		return nil
	}
	names := make([]string, 0, len(m.gateways))
	for key := range m.gateways {
		names = append(names, key)
	}
	sort.Strings(names)
	return names
}

func normaliseKey(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
