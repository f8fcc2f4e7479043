package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	wbshare "github.com/sammck-go/wsbridge/share"
	"github.com/spf13/cobra"
)

// App is the wsbridge command line application
type App struct {
	rootCmd *cobra.Command

	configPath string
	logLevel   string
	verbose    bool

	version string
	commit  string
	date    string
}

// New creates the application with every subcommand attached
func New() *App {
	app := &App{}
	app.setupRootCmd()
	app.rootCmd.AddCommand(
		NewServerCmd(app),
		NewClientCmd(app),
		NewChannelsCmd(app),
		NewVersionCmd(app),
	)
	return app
}

// Execute runs the application
func (a *App) Execute() error {
	return a.rootCmd.Execute()
}

// SetVersion sets the version reported by the version command and /version
func (a *App) SetVersion(version, commit, date string) {
	a.version = version
	a.commit = commit
	a.date = date
	if version != "" && version != "dev" {
		wbshare.BuildVersion = version
	}
}

func (a *App) setupRootCmd() {
	a.rootCmd = &cobra.Command{
		Use:   "wsbridge",
		Short: "WebSocket to TCP channel bridge",
		Long: `wsbridge relays browser WebSocket connections at /proxy/<id> to TCP
port <id> on a fixed backend host (server), and keeps one reconnecting
WebSocket per channel open to such a server for local subscribers (client).`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	a.rootCmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "",
		"YAML config file")
	a.rootCmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "",
		"Log level: error, warning, info, debug or trace")
	a.rootCmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false,
		"Verbose output")
}

// loadConfig reads the config file and environment, then applies the root
// flags
func (a *App) loadConfig() (*wbshare.Config, error) {
	cfg, err := wbshare.LoadConfig(a.configPath)
	if err != nil {
		return nil, err
	}
	if a.logLevel != "" {
		if _, err := wbshare.ParseLogLevel(a.logLevel); err != nil {
			return nil, err
		}
		cfg.LogLevel = a.logLevel
	}
	return cfg, nil
}

func (a *App) newLogger(cfg *wbshare.Config) wbshare.Logger {
	return wbshare.NewLogger("", cfg.Level())
}

// signalContext returns a context that is cancelled on SIGINT or SIGTERM
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
