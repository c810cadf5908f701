package secrets

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultEnvironment  = "local"
	defaultFallbackPath = ".secrets.local"
	meterName           = "github.com/karatworks/api/internal/platform/secrets"
)

var newSecretManagerClient = func(ctx context.Context, opts ...option.ClientOption) (*secretmanager.Client, error) {
	return secretmanager.NewClient(ctx, opts...)
}

type secretManagerClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// reference is a parsed secret:// URI. The query may carry a version and a
// project override; the canonical form strips both.
type reference struct {
	canonical string
	secret    string
	version   string
	project   string
}

func parseReference(raw string) (reference, error) {
	if strings.TrimSpace(raw) == "" {
		return reference{}, errors.New("secrets: empty reference")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return reference{}, fmt.Errorf("secrets: invalid reference %q: %w", raw, err)
	}
	if u.Scheme != "secret" {
		return reference{}, fmt.Errorf("secrets: unsupported scheme %q", u.Scheme)
	}
	name := strings.Trim(strings.TrimPrefix(u.Host+u.Path, "/"), "/")
	if name == "" {
		return reference{}, fmt.Errorf("secrets: missing secret name in %q", raw)
	}

	canonical := *u
	canonical.RawQuery = ""
	canonical.Fragment = ""
	query := u.Query()

	return reference{
		canonical: canonical.String(),
		secret:    name,
		version:   strings.TrimSpace(query.Get("version")),
		project:   strings.TrimSpace(query.Get("project")),
	}, nil
}

type cachedSecret struct {
	value     string
	canonical string
	fetchedAt time.Time
}

// fallbackFile lazily loads KEY=value pairs from a local secrets file.
// Keys in sm:// form are folded into the secret:// canonical form.
type fallbackFile struct {
	path   string
	once   sync.Once
	values map[string]string
	err    error
}

func (f *fallbackFile) lookup(ref reference, version string, logger *zap.Logger) (string, bool) {
	f.once.Do(f.load)
	if f.err != nil {
		logger.Debug("secrets: fallback load error", zap.Error(f.err))
		return "", false
	}
	if value, ok := f.values[ref.canonical+"#"+version]; ok {
		return value, true
	}
	value, ok := f.values[ref.canonical]
	return value, ok
}

func (f *fallbackFile) load() {
	f.values = map[string]string{}
	path := strings.TrimSpace(f.path)
	if path == "" {
		return
	}

	file, err := os.Open(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			f.err = fmt.Errorf("secrets: unable to open fallback file %s: %w", path, err)
		}
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "" {
			continue
		}
		if strings.HasPrefix(key, "sm://") {
			key = "secret://" + strings.TrimPrefix(key, "sm://")
		}
		parsed, err := parseReference(key)
		if err != nil {
			f.values[key] = value
			continue
		}
		version := parsed.version
		if version == "" {
			version = "latest"
		}
		f.values[parsed.canonical] = value
		f.values[parsed.canonical+"#"+version] = value
	}
	if err := scanner.Err(); err != nil {
		f.err = fmt.Errorf("secrets: failed reading %s: %w", path, err)
	}
}

// Fetcher resolves secret:// references through Google Secret Manager with
// an in-process cache and a local file fallback for development.
type Fetcher struct {
	client     secretManagerClient
	ownsClient bool

	logger         *zap.Logger
	env            string
	defaultProject string
	projects       map[string]string
	pins           map[string]string
	fallback       fallbackFile

	mu    sync.RWMutex
	cache map[string]cachedSecret

	fetchLatency metric.Float64Histogram
	cacheHits    metric.Int64Counter
}

type fetcherConfig struct {
	logger      *zap.Logger
	env         string
	defaultProj string
	projects    map[string]string
	pins        map[string]string
	fallback    string
	meter       metric.Meter
	client      secretManagerClient
	clientOpts  []option.ClientOption
}

// Option customises Fetcher construction.
type Option func(*fetcherConfig)

// WithLogger sets the logger used for diagnostic output.
func WithLogger(logger *zap.Logger) Option {
	return func(cfg *fetcherConfig) { cfg.logger = logger }
}

// WithEnvironment selects the environment key used for project lookups and version pins.
func WithEnvironment(env string) Option {
	return func(cfg *fetcherConfig) { cfg.env = strings.ToLower(strings.TrimSpace(env)) }
}

// WithDefaultProject sets the project used when no environment mapping matches.
func WithDefaultProject(projectID string) Option {
	return func(cfg *fetcherConfig) { cfg.defaultProj = strings.TrimSpace(projectID) }
}

// WithProjectMap supplies per-environment project IDs.
func WithProjectMap(m map[string]string) Option {
	return func(cfg *fetcherConfig) { cfg.projects = copyMap(m) }
}

// WithVersionPins sets explicit version overrides keyed by canonical reference,
// optionally prefixed "env:".
func WithVersionPins(pins map[string]string) Option {
	return func(cfg *fetcherConfig) { cfg.pins = copyMap(pins) }
}

// WithFallbackFile overrides the local fallback secrets file path.
func WithFallbackFile(path string) Option {
	return func(cfg *fetcherConfig) { cfg.fallback = strings.TrimSpace(path) }
}

// WithMeter injects a custom OpenTelemetry meter.
func WithMeter(m metric.Meter) Option {
	return func(cfg *fetcherConfig) { cfg.meter = m }
}

// WithSecretManagerClient injects a preconfigured client, primarily for tests.
func WithSecretManagerClient(client secretManagerClient) Option {
	return func(cfg *fetcherConfig) { cfg.client = client }
}

// WithClientOptions forwards Cloud client options for the Secret Manager client.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(cfg *fetcherConfig) { cfg.clientOpts = append(cfg.clientOpts, opts...) }
}

// NewFetcher builds a Fetcher. A missing Secret Manager client is not fatal:
// the fetcher then serves only fallback-file values.
func NewFetcher(ctx context.Context, opts ...Option) (*Fetcher, error) {
	cfg := fetcherConfig{
		logger:   zap.NewNop(),
		env:      strings.ToLower(strings.TrimSpace(os.Getenv("API_SECURITY_ENVIRONMENT"))),
		fallback: defaultFallbackPath,
	}
	if cfg.env == "" {
		cfg.env = defaultEnvironment
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}

	meter := cfg.meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(meterName)
	}
	latency, err := meter.Float64Histogram(
		"secrets.fetch.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Latency in milliseconds for secret fetch attempts"),
	)
	if err != nil {
		cfg.logger.Warn("secrets: unable to register latency metric", zap.Error(err))
		latency = nil
	}
	hits, err := meter.Int64Counter(
		"secrets.fetch.cache_hits",
		metric.WithDescription("Count of cache hits when resolving secrets"),
	)
	if err != nil {
		cfg.logger.Warn("secrets: unable to register cache hit metric", zap.Error(err))
		hits = nil
	}

	f := &Fetcher{
		logger:         cfg.logger,
		env:            cfg.env,
		defaultProject: cfg.defaultProj,
		projects:       copyMap(cfg.projects),
		pins:           copyMap(cfg.pins),
		fallback:       fallbackFile{path: cfg.fallback},
		cache:          make(map[string]cachedSecret),
		fetchLatency:   latency,
		cacheHits:      hits,
	}

	if cfg.client != nil {
		f.client = cfg.client
		return f, nil
	}
	client, err := newSecretManagerClient(ctx, cfg.clientOpts...)
	if err != nil {
		cfg.logger.Warn("secrets: secret manager client unavailable; operating in fallback mode", zap.Error(err))
		return f, nil
	}
	f.client = client
	f.ownsClient = true
	return f, nil
}

// Close releases the underlying client when the fetcher created it.
func (f *Fetcher) Close() error {
	if f.ownsClient && f.client != nil {
		return f.client.Close()
	}
	return nil
}

// Resolve returns the secret value for ref, consulting cache, Secret
// Manager, and the local fallback file in that order.
func (f *Fetcher) Resolve(ctx context.Context, raw string) (string, error) {
	start := time.Now()
	ref, err := parseReference(raw)
	if err != nil {
		return "", err
	}

	version := f.version(ref)
	key := ref.canonical + "#" + version

	f.mu.RLock()
	entry, hit := f.cache[key]
	f.mu.RUnlock()
	if hit {
		f.countCacheHit(ctx, ref)
		f.recordLatency(ctx, start, "cache", nil)
		return entry.value, nil
	}

	if project := f.project(ref); project != "" && f.client != nil {
		value, err := f.access(ctx, project, ref.secret, version)
		if err == nil {
			f.store(key, ref, value)
			f.recordLatency(ctx, start, "remote", nil)
			return value, nil
		}
		if !worthFallingBack(err) {
			f.recordLatency(ctx, start, "error", err)
			return "", fmt.Errorf("secrets: fetch failed for %s: %w", ref.canonical, err)
		}
		f.logger.Debug("secrets: falling back to local secrets", zap.String("ref", ref.canonical), zap.Error(err))
	}

	value, ok := f.fallback.lookup(ref, version, f.logger)
	if !ok {
		err := fmt.Errorf("secrets: fallback value not found for %s", ref.canonical)
		f.recordLatency(ctx, start, "error", err)
		return "", err
	}
	f.store(key, ref, value)
	f.recordLatency(ctx, start, "fallback", nil)
	return value, nil
}

// Invalidate drops every cached version of the reference so the next
// Resolve refetches it. Used after secret rotation.
func (f *Fetcher) Invalidate(raw string) {
	ref, err := parseReference(raw)
	if err != nil {
		return
	}
	f.mu.Lock()
	for key, entry := range f.cache {
		if entry.canonical == ref.canonical {
			delete(f.cache, key)
		}
	}
	f.mu.Unlock()
}

func (f *Fetcher) access(ctx context.Context, project, name, version string) (string, error) {
	resource := fmt.Sprintf("projects/%s/secrets/%s/versions/%s", project, name, version)
	resp, err := f.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: resource})
	if err != nil {
		return "", err
	}
	if resp == nil || resp.Payload == nil {
		return "", fmt.Errorf("secret manager returned empty payload for %s", resource)
	}
	return string(resp.Payload.GetData()), nil
}

func (f *Fetcher) store(key string, ref reference, value string) {
	f.mu.Lock()
	f.cache[key] = cachedSecret{value: value, canonical: ref.canonical, fetchedAt: time.Now()}
	f.mu.Unlock()
}

func (f *Fetcher) project(ref reference) string {
	if ref.project != "" {
		return ref.project
	}
	if id := strings.TrimSpace(f.projects[f.env]); id != "" {
		return id
	}
	return f.defaultProject
}

func (f *Fetcher) version(ref reference) string {
	if ref.version != "" {
		return ref.version
	}
	if pin := strings.TrimSpace(f.pins[f.env+":"+ref.canonical]); pin != "" {
		return pin
	}
	if pin := strings.TrimSpace(f.pins[ref.canonical]); pin != "" {
		return pin
	}
	return "latest"
}

func (f *Fetcher) recordLatency(ctx context.Context, start time.Time, source string, err error) {
	if f.fetchLatency == nil {
		return
	}
	attrs := []attribute.KeyValue{attribute.String("source", source)}
	if err != nil {
		attrs = append(attrs, attribute.String("error", err.Error()))
	}
	f.fetchLatency.Record(ctx, float64(time.Since(start))/float64(time.Millisecond), metric.WithAttributes(attrs...))
}

func (f *Fetcher) countCacheHit(ctx context.Context, ref reference) {
	if f.cacheHits == nil {
		return
	}
	// References are hashed so secret names never land in metric labels.
	sum := sha256.Sum256([]byte(ref.canonical))
	f.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("secret", hex.EncodeToString(sum[:8]))))
}

// worthFallingBack reports whether the remote failure is one the local
// fallback file may paper over, such as missing credentials or an outage.
func worthFallingBack(err error) bool {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable, codes.DeadlineExceeded:
		return true
	}
	return false
}

func copyMap(src map[string]string) map[string]string {
	dst := make(map[string]string, len(src))
	for key, value := range src {
		dst[key] = value
	}
	return dst
}
