package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the API process.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App       AppConfig
	DB        DBConfig
	Redis     RedisConfig
	Auth      AuthConfig
	Bridge    BridgeConfig
	Stripe    StripeConfig
	Calls     CallsConfig
	Referral  ReferralConfig
	RateLimit RateLimitConfig
}

type AppConfig struct {
	Env  string
	Port int

	// PublicBaseURL is the externally reachable origin of this service.
	// The bridge posts progress events to PublicBaseURL + "/webhooks/bridge".
	PublicBaseURL string

	// AutoMigrate applies embedded schema migrations on startup.
	AutoMigrate bool
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode is kept explicit for AWS-ready posture.
	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	Host string
	Port int
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

// BridgeConfig points at the external call orchestrator.
type BridgeConfig struct {
	URL     string
	Secret  string
	Timeout time.Duration
}

type StripeConfig struct {
	WebhookSecret string
}

type CallsConfig struct {
	CostCredits     int64
	StartingCredits int64

	// RateLimitCount call starts are allowed per user per RateLimitWindow.
	RateLimitCount  int
	RateLimitWindow time.Duration

	// MaxActive caps concurrently non-terminal calls per user. 0 disables the cap.
	MaxActive int
	// ActiveSlotTTL bounds how long an active-call slot may leak if a terminal event is lost.
	ActiveSlotTTL time.Duration

	BriefingMinLen  int
	BriefingMaxLen  int
	BlockedPrefixes []string

	DefaultDisplayName string
}

type ReferralConfig struct {
	Cap    int
	Reward int64
}

type RateLimitConfig struct {
	// RequestsPerMinute applies per client IP on public webhooks and per user on /v1.
	RequestsPerMinute int
}

var defaultBlockedPrefixes = []string{"+1900", "+1976", "+449", "+339", "+4990"}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}
	c.App.PublicBaseURL = strings.TrimRight(strings.TrimSpace(os.Getenv("PUBLIC_BASE_URL")), "/")
	c.App.AutoMigrate = optionalBool("DB_AUTO_MIGRATE")

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	// Duration env vars are optional; defaults applied in Validate() based on env.
	c.Auth.AccessTokenTTL = mustDuration("JWT_ACCESS_TTL")
	c.Auth.RefreshTokenTTL = mustDuration("JWT_REFRESH_TTL")

	c.Bridge.URL = strings.TrimRight(strings.TrimSpace(os.Getenv("BRIDGE_URL")), "/")
	c.Bridge.Secret = os.Getenv("BRIDGE_SECRET")
	c.Bridge.Timeout = mustDuration("BRIDGE_TIMEOUT")

	c.Stripe.WebhookSecret = os.Getenv("STRIPE_WEBHOOK_SECRET")

	{
		var n int
		var err error

		n, err = optionalInt("CALL_COST_CREDITS")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Calls.CostCredits = int64(n)

		n, err = optionalInt("CALL_STARTING_CREDITS")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Calls.StartingCredits = int64(n)

		n, err = optionalInt("CALL_RATE_LIMIT_COUNT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Calls.RateLimitCount = n

		n, err = optionalInt("CALL_MAX_ACTIVE")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Calls.MaxActive = n

		n, err = optionalInt("CALL_BRIEFING_MIN_LEN")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Calls.BriefingMinLen = n

		n, err = optionalInt("CALL_BRIEFING_MAX_LEN")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Calls.BriefingMaxLen = n

		n, err = optionalInt("REFERRAL_CAP")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Referral.Cap = n

		n, err = optionalInt("REFERRAL_REWARD")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Referral.Reward = int64(n)

		n, err = optionalInt("HTTP_RATE_LIMIT_PER_MINUTE")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.RateLimit.RequestsPerMinute = n
	}
	c.Calls.RateLimitWindow = mustDuration("CALL_RATE_LIMIT_WINDOW")
	c.Calls.ActiveSlotTTL = mustDuration("CALL_ACTIVE_SLOT_TTL")
	c.Calls.BlockedPrefixes = optionalList("CALL_BLOCKED_PREFIXES")
	c.Calls.DefaultDisplayName = strings.TrimSpace(os.Getenv("CALL_DEFAULT_DISPLAY_NAME"))

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks required values and fills defaults in place.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}
	if c.App.PublicBaseURL == "" {
		errs = append(errs, errors.New("PUBLIC_BASE_URL is required"))
	} else if u, err := url.Parse(c.App.PublicBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("PUBLIC_BASE_URL must be an absolute URL, got %q", c.App.PublicBaseURL))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if strings.TrimSpace(c.DB.SSLMode) == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			// Local-friendly default; production must be explicit.
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}
	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	if c.Bridge.URL == "" {
		errs = append(errs, errors.New("BRIDGE_URL is required"))
	}
	if c.Bridge.Secret == "" {
		errs = append(errs, errors.New("BRIDGE_SECRET is required"))
	}
	if c.Bridge.Timeout <= 0 {
		c.Bridge.Timeout = 15 * time.Second
	}

	if c.Stripe.WebhookSecret == "" && c.IsProduction() {
		errs = append(errs, errors.New("STRIPE_WEBHOOK_SECRET is required in production"))
	}

	if c.Calls.CostCredits <= 0 {
		c.Calls.CostCredits = 1
	}
	if c.Calls.StartingCredits < 0 {
		errs = append(errs, fmt.Errorf("CALL_STARTING_CREDITS must be >= 0, got %d", c.Calls.StartingCredits))
	}
	if c.Calls.RateLimitCount <= 0 {
		c.Calls.RateLimitCount = 5
	}
	if c.Calls.RateLimitWindow <= 0 {
		c.Calls.RateLimitWindow = time.Hour
	}
	if c.Calls.MaxActive < 0 {
		errs = append(errs, fmt.Errorf("CALL_MAX_ACTIVE must be >= 0, got %d", c.Calls.MaxActive))
	}
	if c.Calls.ActiveSlotTTL <= 0 {
		// The bridge force-completes calls after five minutes plus a grace period.
		c.Calls.ActiveSlotTTL = 10 * time.Minute
	}
	if c.Calls.BriefingMinLen <= 0 {
		c.Calls.BriefingMinLen = 10
	}
	if c.Calls.BriefingMaxLen <= 0 {
		c.Calls.BriefingMaxLen = 2000
	}
	if c.Calls.BriefingMaxLen < c.Calls.BriefingMinLen {
		errs = append(errs, errors.New("CALL_BRIEFING_MAX_LEN must be >= CALL_BRIEFING_MIN_LEN"))
	}
	if c.Calls.BlockedPrefixes == nil {
		c.Calls.BlockedPrefixes = append([]string(nil), defaultBlockedPrefixes...)
	}
	if c.Calls.DefaultDisplayName == "" {
		c.Calls.DefaultDisplayName = "the user"
	}

	if c.Referral.Cap <= 0 {
		c.Referral.Cap = 10
	}
	if c.Referral.Reward <= 0 {
		c.Referral.Reward = 1
	}

	if c.RateLimit.RequestsPerMinute <= 0 {
		c.RateLimit.RequestsPerMinute = 120
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

// BridgeCallbackURL is the address handed to the bridge for progress events.
func (c Config) BridgeCallbackURL() string {
	return c.App.PublicBaseURL + "/webhooks/bridge"
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optionalInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optionalBool(key string) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return false
	}
	return v
}

// optionalList parses a comma separated env var. Unset returns nil so defaults apply;
// set-but-empty returns an empty list.
func optionalList(key string) []string {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	out := []string{}
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func mustDuration(key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
