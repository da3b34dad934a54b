// Package fmtt holds small formatting helpers shared by the supervisor and
// its entrypoints.
package fmtt

import (
	"strings"

	"github.com/davecgh/go-spew/spew"
)

var dumpConfig = spew.ConfigState{
	Indent:                  "  ",
	DisablePointerAddresses: true,
	DisableCapacities:       true,
}

// DumpState renders v (typically a supervisor snapshot struct) as a
// multi-line, operator-readable dump. Used by the control socket's
// "status -v" path; never put on the hot path.
func DumpState(v interface{}) string {
	return strings.TrimRight(dumpConfig.Sdump(v), "\n")
}
