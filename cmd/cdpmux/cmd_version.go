package main

import (
	"github.com/spf13/cobra"

	"github.com/cdpmux/cdpmux/client"
)

func newVersionCommand(gs *globalState) *cobra.Command {
	var useHTTP bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the browser version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if useHTTP {
				v, err := client.New(client.URL(gs.cfg.Endpoint)).VersionInfo(ctx)
				if err != nil {
					return err
				}
				gs.out.line(gs.out.bold, "browser", "%s", v.Browser)
				gs.out.line(gs.out.bold, "protocol", "%s", v.ProtocolVersion)
				gs.out.line(gs.out.bold, "user agent", "%s", v.UserAgent)
				gs.out.line(gs.out.bold, "websocket", "%s", v.WebSocketDebuggerURL)
				return nil
			}

			c, err := gs.connect(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			v, err := c.Version(ctx)
			if err != nil {
				return err
			}
			gs.out.line(gs.out.bold, "browser", "%s", v.Product)
			gs.out.line(gs.out.bold, "protocol", "%s", v.Protocol)
			gs.out.line(gs.out.bold, "revision", "%s", v.Revision)
			gs.out.line(gs.out.bold, "user agent", "%s", v.UserAgent)
			gs.out.line(gs.out.bold, "js", "%s", v.JSVersion)
			return nil
		},
	}
	cmd.Flags().BoolVar(&useHTTP, "http", false, "query the HTTP endpoint instead of the protocol")
	return cmd
}
