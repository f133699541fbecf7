package config

import (
	"testing"
	"time"
)

func validLocal() Config {
	return Config{
		App:    AppConfig{Env: "local", Port: 8080, PublicBaseURL: "https://api.example.test"},
		DB:     DBConfig{Host: "localhost", Port: 5432, User: "postgres", Password: "x", Name: "callagent"},
		Redis:  RedisConfig{Host: "localhost", Port: 6379},
		Auth:   AuthConfig{JWTSecret: "secret"},
		Bridge: BridgeConfig{URL: "https://bridge.example.test", Secret: "bridge-secret"},
	}
}

func TestLoad_ReportsMissingRequired(t *testing.T) {
	c := Config{}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestValidate_ProductionRequiresSSLMode(t *testing.T) {
	c := validLocal()
	c.App.Env = "production"
	c.Auth.JWTIssuer = "iss"
	c.Auth.JWTAudience = "aud"
	c.Stripe.WebhookSecret = "whsec_x"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for production without DB_SSLMODE")
	}
}

func TestValidate_LocalDefaults(t *testing.T) {
	c := validLocal()
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.DB.SSLMode != "disable" {
		t.Fatalf("expected sslmode disable default, got %q", c.DB.SSLMode)
	}
	if c.Calls.CostCredits != 1 {
		t.Fatalf("expected cost 1, got %d", c.Calls.CostCredits)
	}
	if c.Calls.RateLimitCount != 5 || c.Calls.RateLimitWindow != time.Hour {
		t.Fatalf("unexpected rate limit defaults: %d per %s", c.Calls.RateLimitCount, c.Calls.RateLimitWindow)
	}
	if c.Referral.Cap != 10 || c.Referral.Reward != 1 {
		t.Fatalf("unexpected referral defaults: %+v", c.Referral)
	}
	if len(c.Calls.BlockedPrefixes) == 0 {
		t.Fatalf("expected default blocked prefixes")
	}
	if c.BridgeCallbackURL() != "https://api.example.test/webhooks/bridge" {
		t.Fatalf("unexpected callback url %q", c.BridgeCallbackURL())
	}
}

func TestValidate_BridgeRequired(t *testing.T) {
	c := validLocal()
	c.Bridge = BridgeConfig{}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error without bridge settings")
	}
}

func TestValidate_RejectsRelativePublicURL(t *testing.T) {
	c := validLocal()
	c.App.PublicBaseURL = "api.example.test"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for relative PUBLIC_BASE_URL")
	}
}

func TestLoad_ParsesBlockedPrefixes(t *testing.T) {
	t.Setenv("CALL_BLOCKED_PREFIXES", " +1900, +44 ,")
	got := optionalList("CALL_BLOCKED_PREFIXES")
	if len(got) != 2 || got[0] != "+1900" || got[1] != "+44" {
		t.Fatalf("unexpected prefixes %v", got)
	}
}
