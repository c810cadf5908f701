package config

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(context.Background(),
		WithEnvFile(""),
		WithoutSystemEnv(),
		WithEnvMap(map[string]string{
			"API_FIRESTORE_PROJECT_ID": "karatworks-test",
		}),
	)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Fatalf("default port: want 8080, got %s", cfg.Server.Port)
	}
	if cfg.Pricing.StoneCacheTTL != 5*time.Minute {
		t.Fatalf("stone cache ttl: want 5m, got %s", cfg.Pricing.StoneCacheTTL)
	}
	if cfg.Pricing.ApplyWorkers != 8 {
		t.Fatalf("apply workers: want 8, got %d", cfg.Pricing.ApplyWorkers)
	}
	if cfg.Pricing.JobRetention != time.Hour {
		t.Fatalf("job retention: want 1h, got %s", cfg.Pricing.JobRetention)
	}
	if cfg.PubSub.ProjectID != "karatworks-test" {
		t.Fatalf("pubsub project should default to firestore project, got %q", cfg.PubSub.ProjectID)
	}
	if cfg.Security.HMAC.ClockSkew != 5*time.Minute {
		t.Fatalf("hmac clock skew: want 5m, got %s", cfg.Security.HMAC.ClockSkew)
	}
	if cfg.Idempotency.Backend != "firestore" {
		t.Fatalf("idempotency backend: want firestore, got %q", cfg.Idempotency.Backend)
	}
}

func TestLoadIdempotencyBackend(t *testing.T) {
	cfg, err := Load(context.Background(),
		WithEnvFile(""),
		WithoutSystemEnv(),
		WithEnvMap(map[string]string{
			"API_FIRESTORE_PROJECT_ID": "karatworks-test",
			"API_IDEMPOTENCY_BACKEND":  "Memory",
		}),
	)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Idempotency.Backend != "memory" {
		t.Fatalf("idempotency backend: want memory, got %q", cfg.Idempotency.Backend)
	}

	_, err = Load(context.Background(),
		WithEnvFile(""),
		WithoutSystemEnv(),
		WithEnvMap(map[string]string{
			"API_FIRESTORE_PROJECT_ID": "karatworks-test",
			"API_IDEMPOTENCY_BACKEND":  "redis",
		}),
	)
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("want ValidationError, got %v", err)
	}
	if fields := validation.Fields(); len(fields) != 1 || fields[0] != "Idempotency.Backend" {
		t.Fatalf("want [Idempotency.Backend], got %v", fields)
	}
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := Load(context.Background(),
		WithEnvFile(""),
		WithoutSystemEnv(),
		WithEnvMap(map[string]string{
			"API_FIRESTORE_PROJECT_ID":      "karatworks-test",
			"API_SERVER_PORT":               "9999",
			"API_PRICING_REFRESH_PAGE_SIZE": "25",
			"API_PRICING_STONE_CACHE_TTL":   "90s",
			"API_FEATURE_REFRESH_EVENTS":    "true",
			"API_PUBSUB_REFRESH_TOPIC":      "pricing-refresh",
			"API_SECURITY_HMAC_SECRETS":     "storefront=shhh",
			"API_WEBHOOK_ALLOWED_HOSTS":     "shop.example.com, admin.example.com",
		}),
	)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if cfg.Server.Port != "9999" {
		t.Fatalf("port override: want 9999, got %s", cfg.Server.Port)
	}
	if cfg.Pricing.RefreshPageSize != 25 {
		t.Fatalf("page size: want 25, got %d", cfg.Pricing.RefreshPageSize)
	}
	if cfg.Pricing.StoneCacheTTL != 90*time.Second {
		t.Fatalf("cache ttl: want 90s, got %s", cfg.Pricing.StoneCacheTTL)
	}
	if !cfg.Features.EnableRefreshEvents {
		t.Fatal("refresh events flag should be on")
	}
	if cfg.Security.HMAC.Secrets["storefront"] != "shhh" {
		t.Fatalf("hmac secrets: got %v", cfg.Security.HMAC.Secrets)
	}
	if len(cfg.Webhooks.AllowedHosts) != 2 {
		t.Fatalf("allowed hosts: want 2, got %v", cfg.Webhooks.AllowedHosts)
	}
}

func TestLoadValidation(t *testing.T) {
	_, err := Load(context.Background(), WithEnvFile(""), WithoutSystemEnv())
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("want ValidationError, got %v", err)
	}
	found := false
	for _, field := range validation.Fields() {
		if field == "Firestore.ProjectID" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected Firestore.ProjectID to be reported, got %v", validation.Fields())
	}
}

func TestLoadFeatureFlagsRequireTargets(t *testing.T) {
	_, err := Load(context.Background(),
		WithEnvFile(""),
		WithoutSystemEnv(),
		WithEnvMap(map[string]string{
			"API_FIRESTORE_PROJECT_ID":   "karatworks-test",
			"API_FEATURE_REFRESH_EVENTS": "true",
		}),
	)
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("want ValidationError, got %v", err)
	}
	if fields := validation.Fields(); len(fields) != 1 || fields[0] != "PubSub.RefreshTopic" {
		t.Fatalf("want [PubSub.RefreshTopic], got %v", fields)
	}
}

func TestLoadResolvesSecretReferences(t *testing.T) {
	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		if ref != "secret://projects/p/secrets/webhook/versions/latest" {
			return "", errors.New("unexpected ref " + ref)
		}
		return "resolved-secret", nil
	})

	cfg, err := Load(context.Background(),
		WithEnvFile(""),
		WithoutSystemEnv(),
		WithSecretResolver(resolver),
		WithEnvMap(map[string]string{
			"API_FIRESTORE_PROJECT_ID":   "karatworks-test",
			"API_WEBHOOK_SIGNING_SECRET": "sm://projects/p/secrets/webhook/versions/latest",
		}),
	)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Webhooks.SigningSecret != "resolved-secret" {
		t.Fatalf("signing secret: want resolved-secret, got %q", cfg.Webhooks.SigningSecret)
	}
}

func TestLoadRequiredSecrets(t *testing.T) {
	_, err := Load(context.Background(),
		WithEnvFile(""),
		WithoutSystemEnv(),
		WithRequiredSecrets("Webhooks.SigningSecret"),
		WithEnvMap(map[string]string{
			"API_FIRESTORE_PROJECT_ID": "karatworks-test",
		}),
	)
	var missing *MissingSecretsError
	if !errors.As(err, &missing) {
		t.Fatalf("want MissingSecretsError, got %v", err)
	}
	if names := missing.Names(); len(names) != 1 || names[0] != "Webhooks.SigningSecret" {
		t.Fatalf("want [Webhooks.SigningSecret], got %v", names)
	}
}
