package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/piy-print/piy/internal/pipeline"
)

func newSliceCmd(c *cli) *cobra.Command {
	var (
		layerHeight string
		infill      string
		outDir      string
	)

	cmd := &cobra.Command{
		Use:   "slice <mesh.stl>",
		Short: "Slice a mesh into a G-code file",
		Example: `  piy slice cube.stl --layer-height 0.2 --infill 15
  piy slice cube.stl --layer-height 0.3 --infill 20 --out ./out`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			comps, err := buildComponents(c.cfg, c.log(), outDir)
			if err != nil {
				return err
			}
			defer comps.Close()

			mesh, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("failed to open mesh: %w", err)
			}
			defer mesh.Close()

			out, err := comps.orchestrator.SliceOnly(cmd.Context(), pipeline.Request{
				Mesh:        mesh,
				MeshName:    filepath.Base(args[0]),
				LayerHeight: layerHeight,
				Infill:      infill,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out.Path)
			return nil
		},
	}
	cmd.Flags().StringVar(&layerHeight, "layer-height", "", "Layer height in millimetres (required)")
	cmd.Flags().StringVar(&infill, "infill", "", "Infill percentage 0-100 (required)")
	cmd.Flags().StringVarP(&outDir, "out", "o", "", "Directory for the G-code file (default paths.gcodes_dir)")
	cmd.MarkFlagRequired("layer-height")
	cmd.MarkFlagRequired("infill")
	return cmd
}
