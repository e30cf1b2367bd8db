package main

import (
	"errors"
	"fmt"

	"github.com/chromedp/cdproto/target"
	"github.com/spf13/cobra"

	"github.com/cdpmux/cdpmux"
	"github.com/cdpmux/cdpmux/tab"
)

func newEvalCommand(gs *globalState) *cobra.Command {
	var (
		targetID string
		navigate string
		newPage  bool
	)

	cmd := &cobra.Command{
		Use:   "eval EXPRESSION",
		Short: "Evaluate a Javascript expression in a page and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			c, err := gs.connect(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			var s *cdpmux.Session
			if newPage {
				url := navigate
				if url == "" {
					url = "about:blank"
				}
				if s, err = c.NewPage(ctx, url); err != nil {
					return err
				}
				defer func() { _ = c.CloseTarget(ctx, s.TargetID()) }()
			} else {
				if s, err = attachPage(cmd, c, target.ID(targetID)); err != nil {
					return err
				}
				if navigate != "" {
					if err := cdpmux.Enable(ctx, s); err != nil {
						return err
					}
					frame, err := tab.Navigate(ctx, s, navigate, gs.cfg.Timeout)
					if err != nil {
						return err
					}
					gs.out.line(gs.out.faint, "navigated", "%s", frame.URL)
				}
			}

			var res []byte
			if err := tab.Evaluate(ctx, s, args[0], &res, tab.EvalAwaitPromise); err != nil {
				return err
			}
			fmt.Fprintln(gs.stdout, string(res))
			return nil
		},
	}
	cmd.Flags().StringVar(&targetID, "target", "", "target to evaluate in, instead of the first page")
	cmd.Flags().StringVar(&navigate, "navigate", "", "navigate to this URL first")
	cmd.Flags().BoolVar(&newPage, "new-page", false, "open a new page, and close it afterwards")
	return cmd
}

// attachPage attaches to id, or to the first page target when id is empty.
func attachPage(cmd *cobra.Command, c *cdpmux.Connection, id target.ID) (*cdpmux.Session, error) {
	ctx := cmd.Context()
	if err := c.Targets().Discover(ctx); err != nil {
		return nil, err
	}
	if id == "" {
		for _, info := range c.Targets().List() {
			if info.Type == "page" {
				id = info.ID
				break
			}
		}
		if id == "" {
			return nil, errors.New("no page target found, use --new-page to open one")
		}
	}
	return c.Targets().Attach(ctx, id)
}
