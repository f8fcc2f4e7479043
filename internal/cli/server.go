package cli

import (
	"time"

	wbshare "github.com/sammck-go/wsbridge/share"
	"github.com/spf13/cobra"
)

// ServerOptions holds flags for the server command
type ServerOptions struct {
	Listen         string
	BackendHost    string
	DialTimeout    time.Duration
	StrictChannels bool
}

// NewServerCmd creates the server command
func NewServerCmd(app *App) *cobra.Command {
	opts := ServerOptions{}

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Relay WebSocket connections to backend TCP services",
		Long: `Accept WebSocket connections at /proxy/<id> and relay each one to its own
TCP connection to port <id> on the backend host. Also serves /health,
/version and /channels.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.loadConfig()
			if err != nil {
				return err
			}
			applyServerFlags(cmd, &opts, &cfg.Server)
			return app.runServer(cmd, cfg)
		},
	}

	cmd.Flags().StringVarP(&opts.Listen, "listen", "l", wbshare.DefaultListen,
		"Address the WebSocket listener binds (host:port)")
	cmd.Flags().StringVar(&opts.BackendHost, "backend-host", wbshare.DefaultBackendHost,
		"Host every channel's backend service runs on")
	cmd.Flags().DurationVar(&opts.DialTimeout, "dial-timeout", 0,
		"Backend connect timeout (0 for none)")
	cmd.Flags().BoolVar(&opts.StrictChannels, "strict", false,
		"Reject channel ids that are not in the channel table")

	return cmd
}

// applyServerFlags overrides config values with flags given on the command line
func applyServerFlags(cmd *cobra.Command, opts *ServerOptions, config *wbshare.ServerConfig) {
	flags := cmd.Flags()
	if flags.Changed("listen") {
		config.Listen = opts.Listen
	}
	if flags.Changed("backend-host") {
		config.BackendHost = opts.BackendHost
	}
	if flags.Changed("dial-timeout") {
		config.DialTimeout = opts.DialTimeout
	}
	if flags.Changed("strict") {
		config.StrictChannels = opts.StrictChannels
	}
}

func (a *App) runServer(cmd *cobra.Command, cfg *wbshare.Config) error {
	registry, err := cfg.Registry()
	if err != nil {
		return err
	}
	logger := a.newLogger(cfg)
	server, err := wbshare.NewProxyServer(logger, &cfg.Server, registry)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()
	return server.Run(ctx)
}
