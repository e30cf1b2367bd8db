package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/cdpmux/cdpmux"
)

func newWatchCommand(gs *globalState) *cobra.Command {
	var (
		attach      bool
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print target lifecycle events until interrupted",
		Long: `Print target lifecycle events until interrupted or the browser disconnects.

With --attach, every page is attached to and its navigations and responses
are printed too.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if cmd.Flags().Changed("metrics-addr") {
				gs.cfg.MetricsAddr = metricsAddr
			}

			c, err := gs.connect(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			if addr := gs.cfg.MetricsAddr; addr != "" {
				stop, err := serveMetrics(gs, addr)
				if err != nil {
					return err
				}
				defer stop()
			}

			w := &watcher{gs: gs, c: c, attach: attach, ctx: ctx}
			w.subscribe()
			if err := c.Targets().Discover(ctx); err != nil {
				return err
			}

			select {
			case <-ctx.Done():
				gs.out.line(gs.out.faint, "interrupted", "closing connection")
				return nil
			case <-c.Done():
				return errors.New("browser disconnected")
			}
		},
	}
	cmd.Flags().BoolVarP(&attach, "attach", "a", false, "attach to pages and print their navigations and responses")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	return cmd
}

type watcher struct {
	gs     *globalState
	c      *cdpmux.Connection
	ctx    context.Context
	attach bool
}

func (w *watcher) subscribe() {
	out := w.gs.out
	targets := w.c.Targets()

	targets.On(cdpmux.EventTargetCreated, func(ev interface{}) {
		info := ev.(*cdpmux.TargetInfo)
		out.line(out.green, "created", "%s %s %s", info.ID, info.Type, info.URL)
		if w.attach && info.Type == "page" && info.State == cdpmux.TargetDiscovered {
			// Attaching waits for a response, which cannot happen on the
			// dispatch goroutine.
			go w.attachPage(info.ID)
		}
	})
	targets.On(cdpmux.EventTargetChanged, func(ev interface{}) {
		info := ev.(*cdpmux.TargetInfo)
		out.line(out.yellow, "changed", "%s %s %q", info.ID, info.URL, info.Title)
	})
	targets.On(cdpmux.EventTargetReady, func(ev interface{}) {
		info := ev.(*cdpmux.TargetInfo)
		out.line(out.cyan, "attached", "%s session %s parent %q", info.ID, info.SessionID, info.ParentID)
	})
	targets.On(cdpmux.EventTargetDestroyed, func(ev interface{}) {
		info := ev.(*cdpmux.TargetInfo)
		out.line(out.red, "destroyed", "%s %s", info.ID, info.URL)
	})
	targets.On(cdpmux.EventTargetCrashed, func(ev interface{}) {
		info := ev.(*cdpmux.TargetInfo)
		out.line(out.red, "crashed", "%s %s", info.ID, info.URL)
	})
	w.c.On(cdpmux.EventDisconnected, func(ev interface{}) {
		out.line(out.red, "disconnected", "%v", ev)
	})
}

func (w *watcher) attachPage(id target.ID) {
	out := w.gs.out

	s, err := w.c.Targets().Attach(w.ctx, id)
	if err != nil {
		if !cdpmux.IsDisconnected(err) && !errors.Is(err, cdpmux.ErrTargetClosed) {
			w.gs.logger.Warnf("watch", "tid:%v could not attach: %v", id, err)
		}
		return
	}

	s.On(string(cdproto.EventPageFrameNavigated), func(ev interface{}) {
		if e, ok := ev.(*page.EventFrameNavigated); ok && e.Frame != nil && e.Frame.ParentID == "" {
			out.line(out.bold, "navigated", "%s %s", id, e.Frame.URL)
		}
	})
	s.On(string(cdproto.EventNetworkResponseReceived), func(ev interface{}) {
		if e, ok := ev.(*network.EventResponseReceived); ok && e.Response != nil {
			out.line(out.faint, "response", "%s %d %s", id, e.Response.Status, e.Response.URL)
		}
	})
	s.On(cdpmux.EventSessionDetached, func(ev interface{}) {
		out.line(out.faint, "detached", "%s %v", id, ev)
	})

	if err := cdpmux.Enable(w.ctx, s); err != nil && !cdpmux.IsDisconnected(err) {
		w.gs.logger.Warnf("watch", "tid:%v could not enable domains: %v", id, err)
	}
}

// serveMetrics serves the connection metrics on addr until stop is called.
func serveMetrics(gs *globalState, addr string) (stop func(), err error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gs.metrics, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			gs.logger.Errorf("metrics", "metrics server failed: %v", err)
		}
	}()
	gs.logger.Infof("metrics", "serving metrics on http://%s/metrics", ln.Addr())

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
