package config

import (
	"fmt"
	"slices"
	"strings"
)

// ValidationError lists every field that is missing or inconsistent.
type ValidationError struct {
	fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: invalid fields [%s]", strings.Join(e.fields, ", "))
}

func (e *ValidationError) Fields() []string { return slices.Clone(e.fields) }

type checker struct{ fields []string }

func (c *checker) require(ok bool, field string) {
	if !ok {
		c.fields = append(c.fields, field)
	}
}

func validate(cfg Config) error {
	var c checker
	c.require(cfg.Server.Port != "", "Server.Port")

	switch cfg.Storage.Backend {
	case StorageBackendFirestore:
		c.require(cfg.Firestore.ProjectID != "", "Firestore.ProjectID")
	case StorageBackendPostgres:
		c.require(strings.TrimSpace(cfg.Postgres.DSN) != "", "Postgres.DSN")
	case StorageBackendMemory:
	default:
		c.require(false, "Storage.Backend")
	}
	if cfg.Security.FirebaseAuth {
		c.require(cfg.Firebase.ProjectID != "", "Firebase.ProjectID")
	}

	for _, gateway := range cfg.Payments.Gateways {
		switch gateway {
		case GatewayMercadoPago:
			c.require(cfg.MercadoPago.ClientID != "", "MercadoPago.ClientID")
			c.require(cfg.MercadoPago.ClientSecret != "", "MercadoPago.ClientSecret")
			c.require(cfg.MercadoPago.ExternalPOSID != "", "MercadoPago.ExternalPOSID")
		case GatewayStripe:
			c.require(cfg.Stripe.APIKey != "", "Stripe.APIKey")
		case GatewaySandbox:
		default:
			c.require(false, fmt.Sprintf("Payments.Gateways[%s]", gateway))
		}
	}
	c.require(slices.Contains(cfg.Payments.Gateways, cfg.Payments.DefaultGateway), "Payments.DefaultGateway")
	c.require(cfg.Payments.GatewayTimeout > 0, "Payments.GatewayTimeout")
	if cfg.Redis.Addr != "" {
		// the order lock is held across the gateway call
		c.require(cfg.Redis.LockTTL > cfg.Payments.GatewayTimeout, "Redis.LockTTL")
	}

	switch cfg.Events.Backend {
	case EventsBackendNone:
	case EventsBackendPubSub:
		c.require(cfg.Events.ProjectID != "", "Events.ProjectID")
		c.require(cfg.Events.Topic != "", "Events.Topic")
	case EventsBackendKafka:
		c.require(len(cfg.Events.Brokers) > 0, "Events.Brokers")
		c.require(cfg.Events.Topic != "", "Events.Topic")
	default:
		c.require(false, "Events.Backend")
	}

	c.require(strings.TrimSpace(cfg.Idempotency.Header) != "", "Idempotency.Header")
	c.require(cfg.Idempotency.TTL > 0, "Idempotency.TTL")
	c.require(cfg.Idempotency.CleanupInterval > 0, "Idempotency.CleanupInterval")
	c.require(cfg.Idempotency.CleanupBatchSize > 0, "Idempotency.CleanupBatchSize")

	if len(c.fields) > 0 {
		return &ValidationError{fields: c.fields}
	}
	return nil
}
