package cli

import (
	"fmt"
	"io"

	"github.com/frobware/go-wblink"
)

// Exit codes.
const (
	ExitOK = 0
	// ExitRuntime is a failure after the link was running.
	ExitRuntime = 1
	// ExitSetup is a construction failure: bad configuration, no
	// usable card or broken crypto.
	ExitSetup = 2
)

// ExitCode reports err on w and returns the process exit code for it.
func ExitCode(err error, w io.Writer) int {
	if err == nil {
		return ExitOK
	}
	fmt.Fprintf(w, "error: %v\n", err)
	if wblink.IsFatal(err) || wblink.IsConfig(err) {
		return ExitSetup
	}
	return ExitRuntime
}
