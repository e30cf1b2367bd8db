package main

import (
	"os"

	"github.com/chromedp/cdproto/target"
	"github.com/spf13/cobra"

	"github.com/cdpmux/cdpmux/tab"
)

func newScreenshotCommand(gs *globalState) *cobra.Command {
	var (
		targetID string
		output   string
		full     bool
		quality  int
	)

	cmd := &cobra.Command{
		Use:   "screenshot",
		Short: "Capture a screenshot of a page",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			c, err := gs.connect(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			s, err := attachPage(cmd, c, target.ID(targetID))
			if err != nil {
				return err
			}

			var buf []byte
			if full {
				buf, err = tab.FullScreenshot(ctx, s, quality)
			} else {
				buf, err = tab.CaptureScreenshot(ctx, s)
			}
			if err != nil {
				return err
			}
			if err := os.WriteFile(output, buf, 0o644); err != nil {
				return err
			}
			gs.out.line(gs.out.green, "wrote", "%s (%d bytes)", output, len(buf))
			return nil
		},
	}
	cmd.Flags().StringVar(&targetID, "target", "", "target to capture, instead of the first page")
	cmd.Flags().StringVarP(&output, "output", "o", "screenshot.png", "file to write the screenshot to")
	cmd.Flags().BoolVar(&full, "full", false, "capture the whole page, beyond the viewport")
	cmd.Flags().IntVar(&quality, "quality", 100, "JPEG quality of full page captures; 100 captures a PNG")
	return cmd
}
