// Command token mints access and refresh tokens signed with JWT_SECRET for
// local development against the API.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"callagent/internal/auth"
	"callagent/internal/config"
	"callagent/internal/rbac"
	"callagent/pkg/logger"

	"github.com/joho/godotenv"
)

func main() {
	if env := os.Getenv("APP_ENV"); env == "" || env == "local" || env == "dev" {
		_ = godotenv.Load()
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}
	log := logger.New(cfg.App.Env)

	if cfg.IsProduction() {
		log.Error("refusing to mint tokens in production")
		os.Exit(1)
	}

	if err := run(os.Args[1:], os.Stdout, cfg.Auth, time.Now()); err != nil {
		log.Error("token mint failed", "err", err)
		os.Exit(2)
	}
}

func run(args []string, out io.Writer, cfg config.AuthConfig, now time.Time) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(out)
	userID := fs.String("user", "", "user id to put in the token (required)")
	role := fs.String("role", rbac.RoleUser, "role claim: user or admin")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *userID == "" {
		return errors.New("-user is required")
	}
	if *role != rbac.RoleUser && *role != rbac.RoleAdmin {
		return fmt.Errorf("unknown role %q", *role)
	}

	m, err := auth.NewManager(cfg)
	if err != nil {
		return err
	}
	pair, err := m.IssuePair(now, *userID, *role)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(out, "ACCESS_TOKEN=%s\nREFRESH_TOKEN=%s\n", pair.AccessToken, pair.RefreshToken)
	return err
}
