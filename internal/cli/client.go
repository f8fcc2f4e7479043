package cli

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sammck-go/wsbridge/pkg/wbchannel"
	wbshare "github.com/sammck-go/wsbridge/share"
	"github.com/spf13/cobra"
)

// ClientOptions holds flags for the client command
type ClientOptions struct {
	ServerURL      string
	Channels       []string
	ReconnectDelay time.Duration
	NoStdin        bool
}

// NewClientCmd creates the client command
func NewClientCmd(app *App) *cobra.Command {
	opts := ClientOptions{}

	cmd := &cobra.Command{
		Use:   "client",
		Short: "Subscribe to channels on a bridge server",
		Long: `Keep one WebSocket per channel open to a bridge server, reconnecting on
failure, and print every payload received as "[name] payload".

Lines read from stdin of the form "<id|name> <text>" are published to that
channel. Text sent while the channel is not open is dropped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.loadConfig()
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("server") {
				cfg.Client.ServerURL = opts.ServerURL
			}
			if flags.Changed("reconnect-delay") {
				cfg.Client.ReconnectDelay = opts.ReconnectDelay
			}
			var stdin io.Reader = cmd.InOrStdin()
			if opts.NoStdin {
				stdin = nil
			}
			return app.runClient(cmd, cfg, opts.Channels, stdin)
		},
	}

	cmd.Flags().StringVarP(&opts.ServerURL, "server", "s", wbshare.DefaultServerURL,
		"Bridge server URL (ws:// or wss://)")
	cmd.Flags().StringSliceVar(&opts.Channels, "channel", nil,
		"Channel names to subscribe to (default all)")
	cmd.Flags().DurationVar(&opts.ReconnectDelay, "reconnect-delay", wbshare.DefaultReconnectDelay,
		"Wait between a channel closing and the next connect attempt")
	cmd.Flags().BoolVar(&opts.NoStdin, "no-stdin", false,
		"Do not publish lines read from stdin")

	return cmd
}

func (a *App) runClient(cmd *cobra.Command, cfg *wbshare.Config, names []string, stdin io.Reader) error {
	registry, err := cfg.Registry()
	if err != nil {
		return err
	}
	logger := a.newLogger(cfg)
	m, err := wbshare.NewMultiplexer(logger, &cfg.Client, registry)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()
	if err := m.Start(ctx); err != nil {
		return err
	}

	// subscribers and state hooks all run on the dispatch goroutine
	out := cmd.OutOrStdout()
	if a.verbose {
		m.OnStateChange(func(sc wbshare.StateChange) {
			if sc.Err != nil {
				fmt.Fprintf(out, "# %s %s: %s\n", sc.Channel, sc.State, sc.Err)
			} else {
				fmt.Fprintf(out, "# %s %s\n", sc.Channel, sc.State)
			}
		})
	}

	channels, err := selectChannels(registry, names)
	if err != nil {
		m.Close()
		return err
	}
	for _, c := range channels {
		name := c.Name
		if _, err := m.Subscribe(name, func(payload string) {
			fmt.Fprintf(out, "[%s] %s\n", name, payload)
		}); err != nil {
			m.Close()
			return err
		}
	}

	if stdin != nil {
		go publishLines(m, registry, stdin, logger)
	}
	return m.WaitShutdown()
}

// selectChannels resolves channel names, or returns every channel if names is
// empty
func selectChannels(registry *wbchannel.Registry, names []string) ([]wbchannel.Channel, error) {
	if len(names) == 0 {
		return registry.List(), nil
	}
	out := make([]wbchannel.Channel, 0, len(names))
	for _, name := range names {
		c, err := registry.Resolve(strings.TrimSpace(name))
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// parsePublishLine splits "<id|name> <text>" into a channel and its text
func parsePublishLine(registry *wbchannel.Registry, line string) (wbchannel.Channel, string, error) {
	target, text, ok := strings.Cut(strings.TrimRight(line, "\r\n"), " ")
	if !ok || target == "" {
		return wbchannel.Channel{}, "", fmt.Errorf("expected \"<id|name> <text>\", got %q", line)
	}
	c, err := registry.Resolve(target)
	if err != nil {
		return wbchannel.Channel{}, "", err
	}
	return c, text, nil
}

func publishLines(m *wbshare.Multiplexer, registry *wbchannel.Registry, r io.Reader, logger wbshare.Logger) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		c, text, err := parsePublishLine(registry, line)
		if err != nil {
			logger.WLogf("%s", err)
			continue
		}
		if err := m.TryPublish(c.ID, text); err != nil {
			logger.ILogf("%s: dropped: %s", c, err)
		}
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		logger.DLogf("stdin: %s", err)
	}
}
