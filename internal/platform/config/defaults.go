package config

import (
	"strings"
	"time"
)

const (
	envPrefix      = "API"
	defaultEnvFile = ".env"
	// configFileKey names the variable pointing at an optional YAML settings file.
	configFileKey = "API_CONFIG_FILE"

	defaultMercadoPagoBaseURL  = "https://api.mercadopago.com"
	defaultEventsTopic         = "order-status"
	defaultArtifactsPrefix     = "payments/qr"
	defaultGatewayTimeout      = 10 * time.Second
	defaultOIDCJWKSURL         = "https://www.googleapis.com/oauth2/v3/certs"
	defaultHMACSignatureHeader = "X-Signature"
	defaultIdempotencyHeader   = "Idempotency-Key"
	defaultIdempotencyTTL      = 24 * time.Hour
)

var defaultIssuers = []string{"https://accounts.google.com", "https://cloud.google.com/iap"}

// setting is one leaf key of the configuration tree. Every leaf is listed so the env layer
// knows which variables to look for: payments.gateway_timeout reads API_PAYMENTS_GATEWAY_TIMEOUT.
// Lists and maps default to "" and are split by the decode hooks.
type setting struct {
	key   string
	value any
}

var settings = []setting{
	{"server.port", "8080"},
	{"server.read_timeout", 15 * time.Second},
	{"server.write_timeout", 30 * time.Second},
	{"server.idle_timeout", 120 * time.Second},

	{"storage.backend", StorageBackendFirestore},

	{"firebase.project_id", ""},
	{"firebase.credentials_file", ""},
	{"firestore.project_id", ""},
	{"firestore.emulator_host", ""},

	{"postgres.dsn", ""},
	{"postgres.max_conns", 25},
	{"postgres.min_conns", 2},
	{"postgres.connect_timeout", 10 * time.Second},
	{"postgres.migrate", true},

	{"redis.addr", ""},
	{"redis.password", ""},
	{"redis.db", 0},
	{"redis.lock_prefix", "order-lock:"},
	{"redis.lock_ttl", 30 * time.Second},
	{"redis.lock_wait", 5 * time.Second},
	{"redis.dial_timeout", 5 * time.Second},

	{"payments.gateways", ""},
	{"payments.default_gateway", ""},
	{"payments.gateway_timeout", defaultGatewayTimeout},
	{"payments.cancel_on_failure", false},
	{"payments.qr_size", 256},
	{"payments.reconcile_batch", 100},

	{"mercadopago.base_url", defaultMercadoPagoBaseURL},
	{"mercadopago.client_id", ""},
	{"mercadopago.client_secret", ""},
	{"mercadopago.external_pos_id", ""},
	{"mercadopago.notification_url", ""},
	{"mercadopago.charge_ttl", 30 * time.Minute},

	{"stripe.api_key", ""},
	{"stripe.account_id", ""},
	{"stripe.currency", "brl"},
	{"stripe.success_url", ""},
	{"stripe.cancel_url", ""},

	{"events.backend", EventsBackendNone},
	{"events.topic", defaultEventsTopic},
	{"events.project_id", ""},
	{"events.kafka_brokers", ""},

	{"artifacts.bucket", ""},
	{"artifacts.prefix", defaultArtifactsPrefix},

	{"ratelimit.default_per_min", 120},
	{"ratelimit.webhook_per_min", 600},

	{"security.environment", "local"},
	{"security.firebase_auth", false},
	{"security.firebase_check_revoked", false},
	{"security.oidc.jwks_url", defaultOIDCJWKSURL},
	{"security.oidc.audience", ""},
	{"security.oidc.audiences", ""},
	{"security.oidc.issuers", ""},
	{"security.oidc.invokers", ""},
	{"security.hmac.secrets", ""},
	{"security.hmac.signature_header", defaultHMACSignatureHeader},
	{"security.hmac.timestamp_header", "X-Signature-Timestamp"},
	{"security.hmac.nonce_header", "X-Signature-Nonce"},
	{"security.hmac.clock_skew", 5 * time.Minute},
	{"security.hmac.nonce_ttl", 5 * time.Minute},

	{"idempotency.header", defaultIdempotencyHeader},
	{"idempotency.ttl", defaultIdempotencyTTL},
	{"idempotency.cleanup_interval", time.Hour},
	{"idempotency.cleanup_batch", 200},
}

// envName maps a settings key to its environment variable.
func envName(key string) string {
	return envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}
