package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"
	"golang.org/x/crypto/bcrypt"

	"github.com/Tyrowin/roomhub/internal/auth"
	"github.com/Tyrowin/roomhub/internal/hub"
	"github.com/Tyrowin/roomhub/internal/server"
	"github.com/Tyrowin/roomhub/internal/store"
)

func main() {
	cmd := &cli.Command{
		Name:   "roomhub",
		Usage:  "room-based real-time chat server",
		Flags:  configFlags(),
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the HTTP and WebSocket server (default)",
				Flags:  configFlags(),
				Action: serve,
			},
			{
				Name:   "migrate",
				Usage:  "apply the database schema and exit",
				Flags:  configFlags(),
				Action: migrate,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "roomhub:", err)
		os.Exit(1)
	}
}

func configFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "port", Usage: "listen address, overrides SERVER_PORT"},
		&cli.StringFlag{Name: "database-url", Usage: "PostgreSQL connection URL, overrides DATABASE_URL"},
		&cli.StringFlag{Name: "sqlite-path", Usage: "SQLite database file used when no PostgreSQL URL is set"},
	}
}

func loadConfig(cmd *cli.Command) *server.Config {
	return server.LoadConfig().Apply(server.Overrides{
		Port:        cmd.String("port"),
		DatabaseURL: cmd.String("database-url"),
		SQLitePath:  cmd.String("sqlite-path"),
	})
}

func newLogger(cfg *server.Config) zerolog.Logger {
	zerolog.SetGlobalLevel(cfg.LogLevel)
	if cfg.IsDevelopment() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
			With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Str("service", "roomhub").Logger()
}

func openStore(ctx context.Context, cfg *server.Config, logger zerolog.Logger) (store.DataStore, error) {
	if cfg.DatabaseURL != "" {
		logger.Info().Msg("using PostgreSQL store")
		return store.NewPostgresStore(ctx, cfg.DatabaseURL)
	}
	logger.Info().Str("path", cfg.SQLitePath).Msg("using SQLite store")
	return store.NewSQLiteStore(ctx, cfg.SQLitePath)
}

func migrate(ctx context.Context, cmd *cli.Command) error {
	cfg := loadConfig(cmd)
	logger := newLogger(cfg)

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	logger.Info().Msg("schema is up to date")
	return nil
}

func serve(ctx context.Context, cmd *cli.Command) error {
	cfg := loadConfig(cmd)
	logger := newLogger(cfg)

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return fmt.Errorf("migrate: %w", err)
	}

	secret, err := jwtSecret(cfg, logger)
	if err != nil {
		st.Close()
		return err
	}
	tokens, err := auth.NewTokenManager(auth.TokenConfig{Secret: secret, TTL: cfg.TokenTTL, Issuer: "roomhub"})
	if err != nil {
		st.Close()
		return fmt.Errorf("token manager: %w", err)
	}

	redisClient := connectRedis(ctx, cfg, logger)

	lobby := hub.NewLobby(cfg.BusCapacity, logger)
	chatHub := hub.New(lobby, st, hub.Options{
		RateLimit: hub.RateLimit{
			Burst:          cfg.RateLimit.Burst,
			RefillInterval: cfg.RateLimit.RefillInterval,
		},
	}, logger)

	router := server.NewRouter(server.Deps{
		Config:  cfg,
		Store:   st,
		Hub:     chatHub,
		Tokens:  tokens,
		Hasher:  auth.NewPasswordHasher(bcrypt.DefaultCost),
		Origins: server.NewOriginPolicy(cfg.AllowedOrigins, logger),
		Redis:   redisClient,
		Logger:  logger,
	})
	httpServer := server.CreateServer(cfg.Port, router)

	go func() {
		if err := server.StartServer(httpServer, logger); err != nil {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	// The store is closed only after the hub has flushed its writers.
	hubDone := make(chan struct{})
	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		cfg.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			"http-server": func(ctx context.Context) error {
				return server.ShutdownServer(ctx, httpServer, logger)
			},
			"hub": func(ctx context.Context) error {
				defer close(hubDone)
				return chatHub.Shutdown(ctx)
			},
			"store": func(ctx context.Context) error {
				select {
				case <-hubDone:
				case <-ctx.Done():
				}
				st.Close()
				if redisClient != nil {
					return redisClient.Close()
				}
				return nil
			},
		},
	)

	exitCode := <-wait
	logger.Info().Int("exit_code", exitCode).Msg("shutdown completed")
	if exitCode != 0 {
		return cli.Exit("shutdown did not complete cleanly", exitCode)
	}
	return nil
}

// jwtSecret returns the configured signing secret. Development runs without
// one get a random secret, so tokens do not survive a restart.
func jwtSecret(cfg *server.Config, logger zerolog.Logger) (string, error) {
	if cfg.JWTSecret != "" {
		return cfg.JWTSecret, nil
	}
	if !cfg.IsDevelopment() {
		return "", errors.New("JWT_SECRET is required outside development")
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate JWT secret: %w", err)
	}
	logger.Warn().Msg("JWT_SECRET not set, using a random secret")
	return hex.EncodeToString(buf), nil
}

// connectRedis returns nil when no Redis URL is configured, which disables
// the signup and login rate limit.
func connectRedis(ctx context.Context, cfg *server.Config, logger zerolog.Logger) *redis.Client {
	if cfg.RedisURL == "" {
		logger.Info().Msg("REDIS_URL not set, request rate limiting disabled")
		return nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Warn().Err(err).Msg("invalid REDIS_URL, request rate limiting disabled")
		return nil
	}

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn().Err(err).Msg("redis unreachable, rate limiter will fail open until it recovers")
	}
	return client
}
