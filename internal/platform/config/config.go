// Package config loads the order API settings. Values come, lowest first, from built-in
// defaults, an optional YAML file, a dotenv file, the process environment and finally an
// explicit map. Fields holding secret:// or sm:// references are resolved afterwards.
package config

import "time"

// Storage backends.
const (
	StorageBackendFirestore = "firestore"
	StorageBackendPostgres  = "postgres"
	StorageBackendMemory    = "memory"
)

// Order event backends.
const (
	EventsBackendPubSub = "pubsub"
	EventsBackendKafka  = "kafka"
	EventsBackendNone   = "none"
)

// Payment gateway names accepted in payments.gateways.
const (
	GatewayMercadoPago = "mercadopago"
	GatewayStripe      = "stripe"
	GatewaySandbox     = "sandbox"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Firebase    FirebaseConfig    `mapstructure:"firebase"`
	Firestore   FirestoreConfig   `mapstructure:"firestore"`
	Postgres    PostgresConfig    `mapstructure:"postgres"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Payments    PaymentsConfig    `mapstructure:"payments"`
	MercadoPago MercadoPagoConfig `mapstructure:"mercadopago"`
	Stripe      StripeConfig      `mapstructure:"stripe"`
	Events      EventsConfig      `mapstructure:"events"`
	Artifacts   ArtifactsConfig   `mapstructure:"artifacts"`
	RateLimits  RateLimitConfig   `mapstructure:"ratelimit"`
	Security    SecurityConfig    `mapstructure:"security"`
	Idempotency IdempotencyConfig `mapstructure:"idempotency"`
}

type ServerConfig struct {
	Port         string        `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type StorageConfig struct {
	Backend string `mapstructure:"backend"`
}

type FirebaseConfig struct {
	ProjectID       string `mapstructure:"project_id"`
	CredentialsFile string `mapstructure:"credentials_file"`
}

// FirestoreConfig falls back to the Firebase project when ProjectID is empty.
type FirestoreConfig struct {
	ProjectID    string `mapstructure:"project_id"`
	EmulatorHost string `mapstructure:"emulator_host"`
}

type PostgresConfig struct {
	DSN            string        `mapstructure:"dsn"`
	MaxConns       int           `mapstructure:"max_conns"`
	MinConns       int           `mapstructure:"min_conns"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	Migrate        bool          `mapstructure:"migrate"`
}

// RedisConfig enables the distributed order lock when Addr is set.
type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	LockPrefix  string        `mapstructure:"lock_prefix"`
	LockTTL     time.Duration `mapstructure:"lock_ttl"`
	LockWait    time.Duration `mapstructure:"lock_wait"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

type PaymentsConfig struct {
	Gateways        []string      `mapstructure:"gateways"`
	DefaultGateway  string        `mapstructure:"default_gateway"`
	GatewayTimeout  time.Duration `mapstructure:"gateway_timeout"`
	CancelOnFailure bool          `mapstructure:"cancel_on_failure"`
	QRSize          int           `mapstructure:"qr_size"`
	ReconcileBatch  int           `mapstructure:"reconcile_batch"`
}

type MercadoPagoConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	ClientID        string        `mapstructure:"client_id"`
	ClientSecret    string        `mapstructure:"client_secret"`
	ExternalPOSID   string        `mapstructure:"external_pos_id"`
	NotificationURL string        `mapstructure:"notification_url"`
	ChargeTTL       time.Duration `mapstructure:"charge_ttl"`
}

type StripeConfig struct {
	APIKey     string `mapstructure:"api_key"`
	AccountID  string `mapstructure:"account_id"`
	Currency   string `mapstructure:"currency"`
	SuccessURL string `mapstructure:"success_url"`
	CancelURL  string `mapstructure:"cancel_url"`
}

type EventsConfig struct {
	Backend   string   `mapstructure:"backend"`
	Topic     string   `mapstructure:"topic"`
	ProjectID string   `mapstructure:"project_id"`
	Brokers   []string `mapstructure:"kafka_brokers"`
}

// ArtifactsConfig turns QR archiving off when Bucket is empty.
type ArtifactsConfig struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

type RateLimitConfig struct {
	DefaultPerMinute int `mapstructure:"default_per_min"`
	WebhookPerMinute int `mapstructure:"webhook_per_min"`
}

type SecurityConfig struct {
	Environment          string     `mapstructure:"environment"`
	FirebaseAuth         bool       `mapstructure:"firebase_auth"`
	FirebaseCheckRevoked bool       `mapstructure:"firebase_check_revoked"`
	OIDC                 OIDCConfig `mapstructure:"oidc"`
	HMAC                 HMACConfig `mapstructure:"hmac"`
}

// OIDCConfig verifies Google-signed tokens on the internal routes. Audiences maps an
// environment label to the audience used when Audience is empty.
type OIDCConfig struct {
	JWKSURL   string            `mapstructure:"jwks_url"`
	Audience  string            `mapstructure:"audience"`
	Audiences map[string]string `mapstructure:"audiences"`
	Issuers   []string          `mapstructure:"issuers"`
	// Invokers lists service account emails allowed to call internal endpoints. Empty allows any.
	Invokers []string `mapstructure:"invokers"`
}

// HMACConfig holds per-provider webhook signing secrets keyed by provider name.
type HMACConfig struct {
	Secrets         map[string]string `mapstructure:"secrets"`
	SignatureHeader string            `mapstructure:"signature_header"`
	TimestampHeader string            `mapstructure:"timestamp_header"`
	NonceHeader     string            `mapstructure:"nonce_header"`
	ClockSkew       time.Duration     `mapstructure:"clock_skew"`
	NonceTTL        time.Duration     `mapstructure:"nonce_ttl"`
}

type IdempotencyConfig struct {
	Header           string        `mapstructure:"header"`
	TTL              time.Duration `mapstructure:"ttl"`
	CleanupInterval  time.Duration `mapstructure:"cleanup_interval"`
	CleanupBatchSize int           `mapstructure:"cleanup_batch"`
}
