package pipeline

import (
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
)

const missingFieldsMessage = "Missing stlFile, layerHeight, or infill"

// Values reach the slicer command line verbatim, so only plain decimal
// spellings are accepted: no sign, exponent, hex or leading zeros on infill.
var (
	layerHeightPattern = regexp.MustCompile(`^\d+(\.\d+)?$`)
	infillPattern      = regexp.MustCompile(`^(0|[1-9]\d{0,2})$`)
)

// Request is one slicing request. It is transient and owned by the
// Orchestrator for the duration of a call.
type Request struct {
	// Mesh is the uploaded STL content.
	Mesh io.Reader
	// MeshName is the client's file name, kept for the catalog only.
	MeshName string
	// LayerHeight in millimetres, e.g. "0.2".
	LayerHeight string
	// Infill percentage 0..100 without the percent sign, e.g. "15".
	Infill string
}

// Validate checks that every field is present and well formed.
func (r *Request) Validate() error {
	r.LayerHeight = strings.TrimSpace(r.LayerHeight)
	r.Infill = strings.TrimSpace(r.Infill)

	if r.Mesh == nil || r.LayerHeight == "" || r.Infill == "" {
		return clientError(missingFieldsMessage)
	}

	if !layerHeightPattern.MatchString(r.LayerHeight) {
		return invalidLayerHeight(r.LayerHeight)
	}
	if h, err := strconv.ParseFloat(r.LayerHeight, 64); err != nil || h <= 0 {
		return invalidLayerHeight(r.LayerHeight)
	}

	if !infillPattern.MatchString(r.Infill) {
		return invalidInfill(r.Infill)
	}
	if n, err := strconv.Atoi(r.Infill); err != nil || n > 100 {
		return invalidInfill(r.Infill)
	}
	return nil
}

func invalidLayerHeight(v string) *Error {
	return clientError(fmt.Sprintf("Invalid layerHeight %q: must be a positive number of millimetres", v))
}

func invalidInfill(v string) *Error {
	return clientError(fmt.Sprintf("Invalid infill %q: must be an integer percentage between 0 and 100", v))
}

func clientError(msg string) *Error {
	return &Error{Kind: KindClientInput, Stage: StageValidating, Message: msg}
}
