package slicer

import (
	"fmt"
	"sort"
	"strings"
)

// Invocation is the per-request part of a slicer run.
type Invocation struct {
	// Input is the mesh file to slice.
	Input string
	// Output is where the toolpath must be written.
	Output string
	// LayerHeight in millimetres, passed through verbatim (e.g. "0.2").
	LayerHeight string
	// Infill percentage without the percent sign (e.g. "15").
	Infill string
}

// CommandLine turns an invocation into argv for one slicer family. Each
// variant has its own flag syntax; the rest of the pipeline is identical.
type CommandLine interface {
	// Name identifies the variant in config and logs.
	Name() string
	// Args returns the arguments following the executable.
	Args(profile string, inv Invocation) []string
}

// PrusaSlicer builds command lines for the PrusaSlicer CLI.
type PrusaSlicer struct{}

func (PrusaSlicer) Name() string { return "prusaslicer" }

func (PrusaSlicer) Args(profile string, inv Invocation) []string {
	return []string{
		"--slice", inv.Input,
		"--output", inv.Output,
		"--layer-height", inv.LayerHeight,
		"--fill-density", inv.Infill + "%",
		"--load", profile,
	}
}

// Slic3r builds command lines for classic Slic3r and its forks, which take
// the mesh as a trailing positional argument and slice by default.
type Slic3r struct{}

func (Slic3r) Name() string { return "slic3r" }

func (Slic3r) Args(profile string, inv Invocation) []string {
	return []string{
		"--load", profile,
		"--layer-height", inv.LayerHeight,
		"--fill-density", inv.Infill + "%",
		"--output", inv.Output,
		inv.Input,
	}
}

// CuraEngine builds command lines for CuraEngine's `slice` subcommand. The
// profile is a machine definition JSON and settings are -s key=value pairs.
type CuraEngine struct{}

func (CuraEngine) Name() string { return "curaengine" }

func (CuraEngine) Args(profile string, inv Invocation) []string {
	return []string{
		"slice",
		"-j", profile,
		"-o", inv.Output,
		"-s", "layer_height=" + inv.LayerHeight,
		"-s", "infill_sparse_density=" + inv.Infill,
		"-l", inv.Input,
	}
}

var variants = map[string]CommandLine{
	PrusaSlicer{}.Name(): PrusaSlicer{},
	Slic3r{}.Name():      Slic3r{},
	CuraEngine{}.Name():  CuraEngine{},
}

// Variants lists the supported slicer variant names in sorted order.
func Variants() []string {
	names := make([]string, 0, len(variants))
	for name := range variants {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewCommandLine returns the builder for a configured variant name.
func NewCommandLine(variant string) (CommandLine, error) {
	cl, ok := variants[strings.ToLower(strings.TrimSpace(variant))]
	if !ok {
		return nil, fmt.Errorf("unknown slicer variant %q (supported: %s)", variant, strings.Join(Variants(), ", "))
	}
	return cl, nil
}
