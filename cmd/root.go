package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/emaforlin/ws-echo/config"
	"github.com/emaforlin/ws-echo/logging"
	"github.com/emaforlin/ws-echo/publisher"
	"github.com/emaforlin/ws-echo/server"
)

// Version is reported by /health and /info.
const Version = "1.0.0"

const (
	flagPort   = "port"
	flagSSL    = "ssl"
	flagHost   = "host"
	flagCert   = "cert"
	flagKey    = "key"
	flagConfig = "config"
)

// flagKeys maps each flag to the configuration key it overrides.
var flagKeys = map[string]string{
	flagPort: "server.port",
	flagSSL:  "tls.enabled",
	flagHost: "server.host",
	flagCert: "tls.cert_file",
	flagKey:  "tls.key_file",
}

// NewRootCmd returns the ws-echo command. Values are resolved in the order
// flag, environment, config file, default.
func NewRootCmd() *cobra.Command {
	v := viper.New()
	config.SetDefaults(v)

	cmd := &cobra.Command{
		Use:   "ws-echo",
		Short: "WebSocket echo server",
		Long: `ws-echo accepts WebSocket connections over TCP or TLS and sends every
text and binary message back to its sender unchanged.`,
		Example: `  ws-echo -p 9000
  ws-echo --ssl --cert server-cert.pem --key server-key.pem
  ws-echo --config ws-echo.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			configFile, err := cmd.Flags().GetString(flagConfig)
			if err != nil {
				return err
			}
			return run(cmd.Context(), v, configFile, cmd.OutOrStdout())
		},
	}

	flags := cmd.Flags()
	flags.IntP(flagPort, "p", 8080, "TCP port to listen on")
	flags.BoolP(flagSSL, "s", false, "terminate TLS using --cert and --key")
	flags.String(flagHost, "0.0.0.0", "address to bind")
	flags.String(flagCert, "server-cert.pem", "PEM encoded TLS certificate chain")
	flags.String(flagKey, "server-key.pem", "PEM encoded TLS private key")
	flags.String(flagConfig, "", "optional configuration file (yaml, json or toml)")

	for name, key := range flagKeys {
		// Lookup cannot return nil for flags registered above.
		_ = v.BindPFlag(key, flags.Lookup(name))
	}

	return cmd
}

// Execute runs the root command with args and returns the process exit code.
func Execute(ctx context.Context, args []string, stderr io.Writer) int {
	cmd := NewRootCmd()
	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, v *viper.Viper, configFile string, out io.Writer) error {
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	cfg, err := config.Load(v)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log, out)
	if err != nil {
		return err
	}

	pub := newPublisher(cfg.NATS, logger)
	defer pub.Close()

	srv, err := server.Listen(cfg,
		server.WithLogger(logger),
		server.WithPublisher(pub),
		server.WithVersion(Version),
	)
	if err != nil {
		logger.Error().Err(err).Msg("Server failed to start")
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := srv.Serve(ctx)

	// Sessions send their Close frame within the grace period. Give them
	// that long before the process exits.
	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.WebSocket.CloseGracePeriod)
	defer cancel()
	if err := srv.Drain(drainCtx); err != nil {
		logger.Warn().Err(err).Int("sessions", srv.Hub().Count()).Msg("Sessions still open after close grace period")
	}

	return serveErr
}

// newPublisher connects the optional echo event mirror. The mirror is
// diagnostic only, so an unreachable broker disables it instead of
// failing startup.
func newPublisher(cfg config.NATSConfig, logger zerolog.Logger) publisher.Publisher {
	if cfg.URL == "" {
		return publisher.NopPublisher{}
	}

	natsLogger := logger.With().Str("component", "nats").Logger()
	pub, err := publisher.Connect(cfg.URL, cfg.Subject, cfg.Timeout, natsLogger)
	if err != nil {
		natsLogger.Warn().Err(err).Str("url", cfg.URL).Msg("Echo events disabled")
		return publisher.NopPublisher{}
	}
	return pub
}
