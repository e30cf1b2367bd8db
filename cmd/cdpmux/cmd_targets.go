package main

import (
	"github.com/spf13/cobra"

	"github.com/cdpmux/cdpmux/client"
)

func newTargetsCommand(gs *globalState) *cobra.Command {
	var (
		useHTTP bool
		typ     string
	)

	cmd := &cobra.Command{
		Use:   "targets",
		Short: "List the browser's targets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if useHTTP {
				targets, err := client.New(client.URL(gs.cfg.Endpoint)).ListTargets(ctx)
				if err != nil {
					return err
				}
				for _, t := range targets {
					if typ != "" && string(t.Type) != typ {
						continue
					}
					gs.out.line(gs.out.cyan, string(t.Type), "%s %s %q", t.ID, t.URL, t.Title)
				}
				return nil
			}

			c, err := gs.connect(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			// The browser reports the existing targets before answering.
			if err := c.Targets().Discover(ctx); err != nil {
				return err
			}
			for _, info := range c.Targets().List() {
				if typ != "" && info.Type != typ {
					continue
				}
				gs.out.line(gs.out.cyan, info.Type, "%s %s %q", info.ID, info.URL, info.Title)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&useHTTP, "http", false, "query the HTTP endpoint instead of the protocol")
	cmd.Flags().StringVarP(&typ, "type", "t", "", "only list targets of this type, such as page")
	return cmd
}
