package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newPrintCmd(c *cli) *cobra.Command {
	var check bool

	cmd := &cobra.Command{
		Use:   "print <file.gcode>",
		Short: "Upload a G-code file to the printer and start it",
		Long: `Uploads an existing G-code file to the configured Moonraker instance and
starts printing it. With --check, only reports whether the controller is
reachable and ready.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if check {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newController(c.cfg, c.log())
			w := cmd.OutOrStdout()

			if check {
				info, err := client.ServerInfo(cmd.Context())
				if err != nil {
					return fmt.Errorf("moonraker at %s: %w", c.cfg.Moonraker.URL, err)
				}
				fmt.Fprintf(w, "moonraker %s: klippy %s (connected: %t)\n",
					info.MoonrakerVersion, info.KlippyState, info.KlippyConnected)
				return nil
			}

			out, err := client.UploadAndStart(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(w, out.Detail)
			return nil
		},
	}
	cmd.Flags().BoolVar(&check, "check", false, "Only check that the print controller is reachable")
	return cmd
}
