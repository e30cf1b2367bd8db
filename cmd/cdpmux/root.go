package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/cdpmux/cdpmux"
	"github.com/cdpmux/cdpmux/log"
)

// globalState is shared by all commands.
type globalState struct {
	ctx       context.Context
	stdout    io.Writer
	stderr    io.Writer
	lookupEnv func(string) (string, bool)

	cfg     Config
	logger  *log.Logger
	out     *printer
	metrics *prometheus.Registry
}

func newGlobalState(ctx context.Context) *globalState {
	return &globalState{
		ctx:       ctx,
		stdout:    os.Stdout,
		stderr:    os.Stderr,
		lookupEnv: os.LookupEnv,
	}
}

func newRootCommand(gs *globalState) *cobra.Command {
	var (
		configPath string
		flagCfg    Config
	)

	root := &cobra.Command{
		Use:           "cdpmux",
		Short:         "Inspect a browser over the Chrome DevTools Protocol",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath, gs.lookupEnv)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("endpoint") {
				cfg.Endpoint = flagCfg.Endpoint
			}
			if flags.Changed("log-level") {
				cfg.LogLevel = flagCfg.LogLevel
			}
			if flags.Changed("log-filter") {
				cfg.LogFilter = flagCfg.LogFilter
			}
			if flags.Changed("timeout") {
				cfg.Timeout = flagCfg.Timeout
			}
			if flags.Changed("no-color") {
				cfg.NoColor = flagCfg.NoColor
			}
			if err := cfg.validate(); err != nil {
				return err
			}
			gs.cfg = cfg
			return gs.setup()
		},
	}
	root.SetOut(gs.stdout)
	root.SetErr(gs.stderr)

	flags := root.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "config file (.toml, .yaml or .yml)")
	flags.StringVarP(&flagCfg.Endpoint, "endpoint", "e", "", "browser websocket URL or remote debugging HTTP address")
	flags.StringVar(&flagCfg.LogLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	flags.StringVar(&flagCfg.LogFilter, "log-filter", "", "only log categories matching this regular expression")
	flags.DurationVar(&flagCfg.Timeout, "timeout", 0, "default wait timeout")
	flags.BoolVar(&flagCfg.NoColor, "no-color", false, "disable colored output")

	root.AddCommand(
		newVersionCommand(gs),
		newTargetsCommand(gs),
		newWatchCommand(gs),
		newEvalCommand(gs),
		newScreenshotCommand(gs),
		newProxyCommand(gs),
	)
	return root
}

// setup creates the logger and printer from the loaded config.
func (gs *globalState) setup() error {
	var filter *regexp.Regexp
	if gs.cfg.LogFilter != "" {
		var err error
		if filter, err = regexp.Compile(gs.cfg.LogFilter); err != nil {
			return fmt.Errorf("invalid log filter: %w", err)
		}
	}

	l := logrus.New()
	l.SetOutput(gs.stderr)
	l.SetFormatter(&logrus.TextFormatter{
		ForceColors:     !gs.cfg.NoColor,
		DisableColors:   gs.cfg.NoColor,
		TimestampFormat: time.RFC3339Nano,
	})
	gs.logger = log.New(l, filter)
	if err := gs.logger.SetLevel(gs.cfg.LogLevel); err != nil {
		return err
	}

	gs.out = newPrinter(gs.stdout, gs.cfg.NoColor)
	gs.metrics = prometheus.NewRegistry()
	return nil
}

// connect connects to the configured browser.
func (gs *globalState) connect(ctx context.Context) (*cdpmux.Connection, error) {
	c, err := cdpmux.Connect(ctx, gs.cfg.Endpoint,
		cdpmux.WithLogger(gs.logger),
		cdpmux.WithMetrics(cdpmux.NewMetrics(gs.metrics)),
		cdpmux.WithDefaultTimeout(gs.cfg.Timeout),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", gs.cfg.Endpoint, err)
	}
	return c, nil
}

// printer writes colored lines; it is safe for concurrent use.
type printer struct {
	mu sync.Mutex
	w  io.Writer

	bold, green, yellow, red, cyan, faint *color.Color
}

func newPrinter(w io.Writer, noColor bool) *printer {
	p := &printer{
		w:      w,
		bold:   color.New(color.Bold),
		green:  color.New(color.FgGreen),
		yellow: color.New(color.FgYellow),
		red:    color.New(color.FgRed),
		cyan:   color.New(color.FgCyan),
		faint:  color.New(color.Faint),
	}
	for _, c := range []*color.Color{p.bold, p.green, p.yellow, p.red, p.cyan, p.faint} {
		if noColor {
			c.DisableColor()
		} else {
			c.EnableColor()
		}
	}
	return p
}

// line prints label in c followed by the formatted message.
func (p *printer) line(c *color.Color, label, format string, args ...interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "%s %s\n", c.Sprintf("%-16s", label), fmt.Sprintf(format, args...))
}
