// Package config loads runtime settings from the environment, an optional
// .env file, and Secret Manager references.
package config

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	defaultEnvFile             = ".env"
	defaultPort                = "8080"
	defaultReadTimeout         = 15 * time.Second
	defaultWriteTimeout        = 30 * time.Second
	defaultIdleTimeout         = 120 * time.Second
	defaultRateLimitDefault    = 120
	defaultRateLimitWebhook    = 60
	defaultSecurityEnvironment = "local"
	defaultHMACSignatureHeader = "X-Signature"
	defaultHMACTimestampHeader = "X-Signature-Timestamp"
	defaultHMACNonceHeader     = "X-Signature-Nonce"
	defaultHMACClockSkew       = 5 * time.Minute
	defaultHMACNonceTTL        = 5 * time.Minute
	defaultStoneCacheTTL       = 5 * time.Minute
	defaultRefreshPageSize     = 100
	defaultApplyWorkers        = 8
	defaultCollectionLimit     = 250
	defaultJobRetention        = time.Hour
	defaultSweepInterval       = 5 * time.Minute
	defaultIdempotencyHeader   = "Idempotency-Key"
	defaultIdempotencyTTL      = 24 * time.Hour
	defaultIdempotencySweep    = time.Hour
	defaultIdempotencyBatch    = 200
	defaultIdempotencyBackend  = "firestore"
)

// Config is the full runtime configuration, grouped per concern.
type Config struct {
	Server      ServerConfig
	Firestore   FirestoreConfig
	PubSub      PubSubConfig
	Storage     StorageConfig
	Pricing     PricingConfig
	Webhooks    WebhookConfig
	RateLimits  RateLimitConfig
	Idempotency IdempotencyConfig
	Features    FeatureFlags
	Security    SecurityConfig
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// FirestoreConfig identifies the Firestore database.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// PubSubConfig names the topic refresh lifecycle events are published to.
type PubSubConfig struct {
	ProjectID    string
	RefreshTopic string
}

// StorageConfig names Cloud Storage buckets.
type StorageConfig struct {
	ReportsBucket string
}

// PricingConfig tunes the discount engine and refresh orchestrator.
type PricingConfig struct {
	StoneCacheTTL   time.Duration
	RefreshPageSize int
	ApplyWorkers    int
	CollectionLimit int
	JobRetention    time.Duration
	SweepInterval   time.Duration
}

// WebhookConfig holds inbound webhook security settings.
type WebhookConfig struct {
	SigningSecret string
	AllowedHosts  []string
}

// RateLimitConfig bounds request throughput per caller.
type RateLimitConfig struct {
	DefaultPerMinute int
	WebhookBurst     int
}

// IdempotencyConfig controls replay protection for mutating requests.
// Backend selects where claims live: "firestore" for deployments,
// "memory" for local development where replay state may vanish on restart.
type IdempotencyConfig struct {
	Backend          string
	Header           string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// FeatureFlags gate optional behaviour at runtime.
type FeatureFlags struct {
	EnableRefreshEvents bool
	EnableReportArchive bool
}

// SecurityConfig bundles server-to-server authentication settings.
type SecurityConfig struct {
	Environment string
	HMAC        HMACConfig
}

// HMACConfig describes what signed webhook requests must carry.
type HMACConfig struct {
	Secrets         map[string]string
	SignatureHeader string
	TimestampHeader string
	NonceHeader     string
	ClockSkew       time.Duration
	NonceTTL        time.Duration
}

// SecretResolver turns a secret:// reference into its value.
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts a function to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret implements SecretResolver.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError reports configuration fields that are missing or invalid.
type ValidationError struct {
	fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields lists the offending field names.
func (e *ValidationError) Fields() []string {
	return append([]string(nil), e.fields...)
}

// SecretError wraps a failure to resolve one secret reference.
type SecretError struct {
	Ref string
	Err error
}

func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError reports required secrets that resolved to nothing.
type MissingSecretsError struct {
	secrets []missingSecret
}

type missingSecret struct {
	name     string
	redacted string
}

func (e *MissingSecretsError) Error() string {
	names := e.RedactedNames()
	if len(names) == 0 {
		return "missing required secrets"
	}
	return fmt.Sprintf("missing required secrets [%s]", strings.Join(names, ", "))
}

// RedactedNames lists hashed identifiers safe for logs.
func (e *MissingSecretsError) RedactedNames() []string {
	return e.collect(func(s missingSecret) string { return s.redacted })
}

// Names lists the raw secret identifiers.
func (e *MissingSecretsError) Names() []string {
	return e.collect(func(s missingSecret) string { return s.name })
}

func (e *MissingSecretsError) collect(pick func(missingSecret) string) []string {
	if e == nil || len(e.secrets) == 0 {
		return nil
	}
	out := make([]string, 0, len(e.secrets))
	for _, secret := range e.secrets {
		out = append(out, pick(secret))
	}
	sort.Strings(out)
	return out
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option adjusts how Load assembles the configuration.
type Option func(*loader)

type loader struct {
	envFile               string
	overrides             map[string]string
	skipSystemEnv         bool
	resolver              SecretResolver
	requiredSecrets       []string
	panicOnMissingSecrets bool
}

// WithEnvFile points the loader at a different .env file. An empty path
// disables the file entirely.
func WithEnvFile(path string) Option {
	return func(l *loader) { l.envFile = path }
}

// WithEnvMap supplies explicit key/value pairs that win over both the
// system environment and the .env file.
func WithEnvMap(values map[string]string) Option {
	return func(l *loader) { l.overrides = values }
}

// WithoutSystemEnv keeps the loader from consulting os.LookupEnv.
func WithoutSystemEnv() Option {
	return func(l *loader) { l.skipSystemEnv = true }
}

// WithSecretResolver installs the resolver used for secret:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(l *loader) { l.resolver = resolver }
}

// WithRequiredSecrets marks secret identifiers as mandatory. Identifiers
// match the field names the loader records, e.g. "Webhooks.SigningSecret"
// or "Security.HMAC.Secrets[storefront]".
func WithRequiredSecrets(names ...string) Option {
	return func(l *loader) { l.requiredSecrets = append(l.requiredSecrets, names...) }
}

// WithPanicOnMissingSecrets turns missing required secrets into a panic.
func WithPanicOnMissingSecrets() Option {
	return func(l *loader) { l.panicOnMissingSecrets = true }
}

func newLoader(opts []Option) *loader {
	l := &loader{envFile: defaultEnvFile}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// envSource answers key lookups with the precedence explicit overrides >
// system environment > .env file.
type envSource struct {
	overrides map[string]string
	system    bool
	file      map[string]string
}

func (l *loader) source() (envSource, error) {
	fileValues, err := parseEnvFile(l.envFile)
	if err != nil {
		return envSource{}, err
	}
	return envSource{overrides: l.overrides, system: !l.skipSystemEnv, file: fileValues}, nil
}

func (s envSource) get(key string) (string, bool) {
	if value, ok := s.overrides[key]; ok {
		return value, true
	}
	if s.system {
		if value, ok := os.LookupEnv(key); ok {
			return value, true
		}
	}
	value, ok := s.file[key]
	return value, ok
}

func (s envSource) str(key, fallback string) string {
	if value, ok := s.get(key); ok && value != "" {
		return value
	}
	return fallback
}

func (s envSource) dur(key string, fallback time.Duration) time.Duration {
	if value, ok := s.get(key); ok && value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func (s envSource) num(key string, fallback int) int {
	if value, ok := s.get(key); ok && value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

func (s envSource) flag(key string, fallback bool) bool {
	if value, ok := s.get(key); ok && value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return fallback
}

func (s envSource) list(key string) []string {
	raw, _ := s.get(key)
	out := []string{}
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// pairs parses "name=value,name2=value2" into a map, lowercasing names.
func (s envSource) pairs(key string) map[string]string {
	values := make(map[string]string)
	raw, _ := s.get(key)
	for _, entry := range strings.Split(raw, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if !ok {
			continue
		}
		name = strings.ToLower(strings.TrimSpace(name))
		value = strings.TrimSpace(value)
		if name != "" && value != "" {
			values[name] = value
		}
	}
	return values
}

// EnvironmentValues returns the flattened key/value environment using the
// same precedence as Load. Callers use it to bootstrap dependencies (like
// the secret fetcher) before the full configuration exists.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	src, err := newLoader(opts).source()
	if err != nil {
		return nil, err
	}

	values := make(map[string]string)
	for key, value := range src.file {
		values[key] = value
	}
	if src.system {
		for _, entry := range os.Environ() {
			if key, value, ok := strings.Cut(entry, "="); ok && strings.TrimSpace(key) != "" {
				values[strings.TrimSpace(key)] = value
			}
		}
	}
	for key, value := range src.overrides {
		values[key] = value
	}
	return values, nil
}

// Load builds the configuration from defaults, the .env file, environment
// variables, and secret lookups, then validates it.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	l := newLoader(opts)
	src, err := l.source()
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Server: ServerConfig{
			Port:         src.str("API_SERVER_PORT", defaultPort),
			ReadTimeout:  src.dur("API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: src.dur("API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  src.dur("API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Firestore: FirestoreConfig{
			ProjectID:    src.str("API_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: src.str("API_FIRESTORE_EMULATOR_HOST", ""),
		},
		PubSub: PubSubConfig{
			ProjectID:    src.str("API_PUBSUB_PROJECT_ID", ""),
			RefreshTopic: src.str("API_PUBSUB_REFRESH_TOPIC", ""),
		},
		Storage: StorageConfig{
			ReportsBucket: src.str("API_STORAGE_REPORTS_BUCKET", ""),
		},
		Pricing: PricingConfig{
			StoneCacheTTL:   src.dur("API_PRICING_STONE_CACHE_TTL", defaultStoneCacheTTL),
			RefreshPageSize: src.num("API_PRICING_REFRESH_PAGE_SIZE", defaultRefreshPageSize),
			ApplyWorkers:    src.num("API_PRICING_APPLY_WORKERS", defaultApplyWorkers),
			CollectionLimit: src.num("API_PRICING_COLLECTION_LIMIT", defaultCollectionLimit),
			JobRetention:    src.dur("API_PRICING_JOB_RETENTION", defaultJobRetention),
			SweepInterval:   src.dur("API_PRICING_SWEEP_INTERVAL", defaultSweepInterval),
		},
		Webhooks: WebhookConfig{
			SigningSecret: src.str("API_WEBHOOK_SIGNING_SECRET", ""),
			AllowedHosts:  src.list("API_WEBHOOK_ALLOWED_HOSTS"),
		},
		RateLimits: RateLimitConfig{
			DefaultPerMinute: src.num("API_RATELIMIT_DEFAULT_PER_MIN", defaultRateLimitDefault),
			WebhookBurst:     src.num("API_RATELIMIT_WEBHOOK_BURST", defaultRateLimitWebhook),
		},
		Idempotency: IdempotencyConfig{
			Backend:          strings.ToLower(src.str("API_IDEMPOTENCY_BACKEND", defaultIdempotencyBackend)),
			Header:           src.str("API_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:              src.dur("API_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:  src.dur("API_IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencySweep),
			CleanupBatchSize: src.num("API_IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatch),
		},
		Features: FeatureFlags{
			EnableRefreshEvents: src.flag("API_FEATURE_REFRESH_EVENTS", false),
			EnableReportArchive: src.flag("API_FEATURE_REPORT_ARCHIVE", false),
		},
		Security: SecurityConfig{
			Environment: strings.ToLower(src.str("API_SECURITY_ENVIRONMENT", defaultSecurityEnvironment)),
			HMAC: HMACConfig{
				Secrets:         src.pairs("API_SECURITY_HMAC_SECRETS"),
				SignatureHeader: src.str("API_SECURITY_HMAC_HEADER_SIGNATURE", defaultHMACSignatureHeader),
				TimestampHeader: src.str("API_SECURITY_HMAC_HEADER_TIMESTAMP", defaultHMACTimestampHeader),
				NonceHeader:     src.str("API_SECURITY_HMAC_HEADER_NONCE", defaultHMACNonceHeader),
				ClockSkew:       src.dur("API_SECURITY_HMAC_CLOCK_SKEW", defaultHMACClockSkew),
				NonceTTL:        src.dur("API_SECURITY_HMAC_NONCE_TTL", defaultHMACNonceTTL),
			},
		},
	}

	// Pub/Sub publishes into the same project as Firestore unless overridden.
	if cfg.PubSub.ProjectID == "" {
		cfg.PubSub.ProjectID = cfg.Firestore.ProjectID
	}

	resolved := make(map[string]string)

	for key, value := range cfg.Security.HMAC.Secrets {
		name := fmt.Sprintf("Security.HMAC.Secrets[%s]", key)
		secret, err := resolveSecret(ctx, value, l.resolver)
		if err != nil {
			return Config{}, err
		}
		cfg.Security.HMAC.Secrets[key] = secret
		resolved[name] = strings.TrimSpace(secret)
	}

	signing, err := resolveSecret(ctx, cfg.Webhooks.SigningSecret, l.resolver)
	if err != nil {
		return Config{}, err
	}
	cfg.Webhooks.SigningSecret = signing
	resolved["Webhooks.SigningSecret"] = strings.TrimSpace(signing)

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	if missing := findMissingSecrets(l.requiredSecrets, resolved); missing != nil {
		if l.panicOnMissingSecrets {
			fmt.Fprintf(os.Stderr, "config: %s\n", missing.Error())
			panic(missing)
		}
		return Config{}, missing
	}

	return cfg, nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if !isSecretReference(value) {
		return value, nil
	}
	ref := normalizeSecretReference(value)
	if resolver == nil {
		return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, ref)
	if err != nil {
		return "", &SecretError{Ref: ref, Err: err}
	}
	return secret, nil
}

func validateConfig(cfg Config) error {
	var bad []string
	check := func(ok bool, field string) {
		if !ok {
			bad = append(bad, field)
		}
	}

	check(cfg.Server.Port != "", "Server.Port")
	check(cfg.Firestore.ProjectID != "", "Firestore.ProjectID")
	check(cfg.Pricing.StoneCacheTTL > 0, "Pricing.StoneCacheTTL")
	check(cfg.Pricing.RefreshPageSize > 0, "Pricing.RefreshPageSize")
	check(cfg.Pricing.ApplyWorkers > 0, "Pricing.ApplyWorkers")
	check(cfg.Pricing.JobRetention > 0, "Pricing.JobRetention")
	check(cfg.Pricing.SweepInterval > 0, "Pricing.SweepInterval")
	check(cfg.Idempotency.Backend == "firestore" || cfg.Idempotency.Backend == "memory", "Idempotency.Backend")
	if cfg.Features.EnableRefreshEvents {
		check(strings.TrimSpace(cfg.PubSub.RefreshTopic) != "", "PubSub.RefreshTopic")
	}
	if cfg.Features.EnableReportArchive {
		check(strings.TrimSpace(cfg.Storage.ReportsBucket) != "", "Storage.ReportsBucket")
	}

	if len(bad) > 0 {
		return &ValidationError{fields: bad}
	}
	return nil
}

func findMissingSecrets(required []string, resolved map[string]string) *MissingSecretsError {
	var missing []missingSecret
	seen := make(map[string]struct{})
	for _, name := range required {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		if resolved[name] != "" {
			continue
		}
		missing = append(missing, missingSecret{name: name, redacted: redactSecretName(name)})
	}
	if len(missing) == 0 {
		return nil
	}
	return &MissingSecretsError{secrets: missing}
}

func isSecretReference(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

// normalizeSecretReference folds the legacy sm:// scheme into secret://.
func normalizeSecretReference(value string) string {
	trimmed := strings.TrimSpace(value)
	if rest, ok := strings.CutPrefix(trimmed, "sm://"); ok {
		return "secret://" + rest
	}
	return trimmed
}

func redactSecretName(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:8])
}

// parseEnvFile reads KEY=value lines, skipping comments and blanks. A
// missing file is not an error.
func parseEnvFile(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}

	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", path, err)
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if rest, ok := strings.CutPrefix(line, "export "); ok {
			line = strings.TrimSpace(rest)
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		values[key] = strings.Trim(strings.TrimSpace(value), "\"'")
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", path, err)
	}
	return values, nil
}
