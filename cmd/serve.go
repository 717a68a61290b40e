package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"tether/internal/config"
	"tether/internal/oauth"
	"tether/internal/store"
	"tether/pkg/logging"
)

// serveDebug enables verbose logging across the application.
var serveDebug bool

// serveConfigPath specifies a custom configuration directory path.
// When empty, the per-user configuration directory is used.
var serveConfigPath string

// serveCmd defines the serve command structure.
// This is the main command of tether: it hosts the OAuth callback endpoint
// and keeps the connection subsystem running.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the tether connection server",
	Long: `Starts the tether server. It hosts the OAuth authorization callback
endpoint and runs the connection subsystem: authorization server discovery,
dynamic client registration, the PKCE authorization flow, and token refresh.

Configuration:
  tether loads configuration from config.yaml in the user config directory
  (~/.config/tether) by default. Use --config-path to load from a different
  directory. The file is watched and reloaded on change.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

// runServe is the main entry point for the serve command.
func runServe(cmd *cobra.Command, args []string) error {
	logLevel := logging.LevelInfo
	if serveDebug {
		logLevel = logging.LevelDebug
	}
	logging.Init(logLevel, os.Stdout)

	configPath := serveConfigPath
	if configPath == "" {
		configPath = config.GetDefaultConfigPathOrPanic()
	}

	provider, err := config.NewProvider(configPath)
	if err != nil {
		return err
	}
	cfg := provider.Config()

	st, err := store.New(store.Options{
		Type: store.Type(cfg.Store.Type),
		Redis: store.RedisOptions{
			Addr:      cfg.Store.Redis.Addr,
			Password:  cfg.Store.Redis.Password,
			DB:        cfg.Store.Redis.DB,
			KeyPrefix: cfg.Store.Redis.KeyPrefix,
		},
		EncryptionKey: cfg.Store.EncryptionKey,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer st.Close()

	if cfg.Store.EncryptionKey == "" {
		logging.Warn("Serve", "SECURITY_AUDIT: token encryption at rest is disabled; set store.encryptionKey")
	}

	manager := buildManager(cfg, provider, st)
	oauth.NewAPIAdapter(manager).Register()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := provider.Watch(ctx); err != nil {
			logging.Warn("Serve", "Config watcher stopped: %v", err)
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.OAuth.CallbackPath, oauth.NewHandler(manager).HandleCallback)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		logging.Info("Serve", "Listening on %s (callback %s)", server.Addr, cfg.RedirectURI())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logging.Info("Serve", "Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return nil
}

// buildManager wires the connection subsystem from configuration.
func buildManager(cfg config.Config, integrations oauth.IntegrationSource, st store.Store) *oauth.Manager {
	discoverer := oauth.NewDiscoverer(st,
		oauth.WithAllowInsecureLocalhost(cfg.OAuth.AllowInsecureLocalhost),
	)

	registrarOpts := []oauth.RegistrarOption{
		oauth.WithClientIdentity(cfg.OAuth.ClientName, cfg.OAuth.ClientURI),
		oauth.WithSoftwareVersion(GetVersion()),
	}
	if cfg.OAuth.ClientMetadataURL != "" {
		registrarOpts = append(registrarOpts, oauth.WithMetadataDocumentURL(cfg.OAuth.ClientMetadataURL))
	}
	registrar := oauth.NewRegistrar(st, registrarOpts...)

	flow := oauth.NewFlow(st)
	lifecycle := oauth.NewLifecycle(st)

	return oauth.NewManager(st, integrations, discoverer, registrar, flow, lifecycle, cfg.RedirectURI())
}

// init registers the serve command and its flags with the root command.
func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "Enable debug logging")
	serveCmd.Flags().StringVar(&serveConfigPath, "config-path", "", "Custom configuration directory path")
}
