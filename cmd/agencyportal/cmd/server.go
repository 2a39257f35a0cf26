package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/jmcleod/agencyportal/api"
	"github.com/jmcleod/agencyportal/backend"
	"github.com/jmcleod/agencyportal/internal/config"
	"github.com/jmcleod/agencyportal/internal/util"
	"github.com/jmcleod/agencyportal/storage"
	bboltstorage "github.com/jmcleod/agencyportal/storage/bbolt"
	"github.com/jmcleod/agencyportal/storage/memory"
	"github.com/jmcleod/agencyportal/storage/postgres"
	"github.com/jmcleod/agencyportal/storage/sqlite"
	"github.com/jmcleod/agencyportal/web"
)

var (
	configPath string
	port       string
	tlsCert    string
	tlsKey     string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the portal server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if port != "" {
			cfg.HTTP.Port = port
		}
		if tlsCert != "" || tlsKey != "" {
			cfg.HTTP.TLSCert, cfg.HTTP.TLSKey = tlsCert, tlsKey
		}
		logger := newLogger(cfg.Env)

		repo, err := openRepository(cmd.Context(), cfg.Storage)
		if err != nil {
			return err
		}
		defer repo.Close()

		handler, closeAPI, err := buildHandler(cfg, repo, logger)
		if err != nil {
			return err
		}
		defer closeAPI()

		server := &http.Server{
			Addr:              cfg.HTTP.Addr(),
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
			ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
		}
		if !cfg.HTTP.Plaintext {
			server.TLSConfig, err = tlsConfig(cfg.HTTP)
			if err != nil {
				return err
			}
		}

		// Graceful shutdown on SIGINT/SIGTERM.
		done := make(chan error, 1)
		go func() {
			var err error
			if cfg.HTTP.Plaintext {
				err = server.ListenAndServe()
			} else {
				err = server.ListenAndServeTLS("", "")
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		printBanner(cmd.OutOrStdout())
		logger.Info("portal listening",
			"addr", cfg.HTTP.Addr(),
			"tls", !cfg.HTTP.Plaintext,
			"storage", cfg.Storage.Driver,
			"backend", cfg.Backend.URL)

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			logger.Info("shutting down", "signal", sig.String())
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

// newLogger logs text in the local environment and JSON everywhere else.
func newLogger(env string) *slog.Logger {
	if env == "local" {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, nil))
}

// openRepository opens the configured storage driver.
func openRepository(ctx context.Context, cfg config.StorageConfig) (storage.Repository, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return memory.NewRepository(), nil
	case config.DriverBolt, config.DriverSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		if cfg.Driver == config.DriverBolt {
			repo, err := bboltstorage.NewRepositoryFromFile(cfg.Path, nil)
			if err != nil {
				return nil, fmt.Errorf("failed to open bbolt storage: %w", err)
			}
			return repo, nil
		}
		repo, err := sqlite.NewRepositoryFromFile(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite storage: %w", err)
		}
		return repo, nil
	case config.DriverPostgres:
		ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		repo, err := postgres.NewRepositoryFromDSN(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres storage: %w", err)
		}
		return repo, nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
}

// buildHandler wires the backend client, the portal API and the web shell.
// The returned func releases the API's background work.
func buildHandler(cfg *config.Config, repo storage.Repository, logger *slog.Logger) (http.Handler, func(), error) {
	be, err := backend.New(cfg.Backend.URL, backend.WithTimeout(cfg.Backend.Timeout))
	if err != nil {
		return nil, nil, err
	}
	secret, err := cfg.SecretBytes()
	if err != nil {
		return nil, nil, err
	}
	policy, err := cfg.ResendPolicy()
	if err != nil {
		return nil, nil, err
	}
	proxies, err := api.WithTrustedProxies(cfg.HTTP.TrustedProxies)
	if err != nil {
		return nil, nil, err
	}
	webHandler, err := web.Handler(api.CSPNonce)
	if err != nil {
		return nil, nil, err
	}

	opts := []api.Option{
		api.WithLogger(logger),
		api.WithCookieSecure(api.ParseSecureOverride(cfg.Cookies.Secure)),
		api.WithSessionTTLs(cfg.Cookies.AdminTTL, cfg.Cookies.CreatorTTL),
		api.WithFlashTTL(cfg.Cookies.FlashTTL),
		api.WithResendPolicy(policy),
		api.WithFallback(webHandler),
		proxies,
	}
	if secret != nil {
		opts = append(opts, api.WithSecret(secret))
	}

	var closers []func()
	if cfg.Storage.Persistent() {
		wrappingKey, err := util.DeriveKey(secret, nil, "agencyportal/sessions/v1")
		if err != nil {
			return nil, nil, fmt.Errorf("deriving session wrapping key: %w", err)
		}
		sessions, err := api.NewPersistentSessionStore(repo, wrappingKey, logger)
		util.WipeBytes(wrappingKey)
		if err != nil {
			return nil, nil, fmt.Errorf("opening session store: %w", err)
		}
		closers = append(closers, sessions.Close)
		opts = append(opts, api.WithSessionStore(sessions))
	}
	if cfg.Alerts.WebhookURL != "" {
		wh := api.NewAlertWebhook(cfg.Alerts.WebhookURL, cfg.Alerts.WebhookAuth, logger)
		closers = append(closers, wh.Close)
		opts = append(opts, api.WithAlertFunc(wh.Notify))
	}

	a, err := api.New(be, repo, opts...)
	if err != nil {
		for _, c := range closers {
			c()
		}
		return nil, nil, err
	}
	// The API stops first so nothing raises alerts into a closed webhook.
	closers = append([]func(){a.Close}, closers...)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Mount("/", a.Router())

	return r, func() {
		for _, c := range closers {
			c()
		}
	}, nil
}

func tlsConfig(cfg config.HTTPConfig) (*tls.Config, error) {
	var cert tls.Certificate
	var err error
	if cfg.TLSCert != "" && cfg.TLSKey != "" {
		cert, err = tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS key pair: %w", err)
		}
	} else {
		cert, err = util.GenerateSelfSignedCert()
		if err != nil {
			return nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
		}
		fmt.Fprintln(os.Stderr, "Using self-signed runtime generated certificate for TLS")
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to the portal YAML config")
	serverCmd.Flags().StringVarP(&port, "port", "p", "", "Port to listen on (overrides http.port)")
	serverCmd.Flags().StringVar(&tlsCert, "tls-cert", "", "Path to TLS certificate file")
	serverCmd.Flags().StringVar(&tlsKey, "tls-key", "", "Path to TLS key file")
	serverCmd.Long = "Start the portal server.\n\nEnvironment variables:\n\n" + config.Usage()
}
