// Command piy slices meshes with an external slicer and sends the resulting
// toolpaths to a Moonraker print controller.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
