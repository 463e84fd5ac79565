// Package sandbox implements the confined execution engine: the global
// container lifecycle (Manager), the proot invocation primitive
// (Executor), and background process supervision (Supervisor).
//
// All external commands run through the confinement helper — never
// directly on the host filesystem.
package sandbox

import (
	"errors"
	"fmt"
	"time"
)

// In-sandbox mount points. The guest-side layout is part of the wire
// contract with the rootfs images and must not drift.
const (
	// WorkspacePath is where the caller's per-identity directory is
	// bound and where confined commands start.
	WorkspacePath = "/workspace"

	// guestUsrLocal receives the writable package-install layer.
	guestUsrLocal = "/usr/local"

	// guestUsrLib receives the writable library-shadow layer.
	guestUsrLib = "/usr/lib"

	// guestHome receives the writable home-directory layer.
	guestHome = "/root"
)

// Sentinel errors for lifecycle and supervisor operations. Callers
// match with errors.Is.
var (
	ErrAlreadyInitialized = errors.New("container already initializing or initialized")
	ErrNotRunning         = errors.New("container is not running")
	ErrInvalidTransition  = errors.New("invalid lifecycle transition")
	ErrProcessNotFound    = errors.New("background process not found")
	ErrUnknownStream      = errors.New("unknown log stream")
	ErrCapacityExceeded   = errors.New("background process capacity exceeded")
)

// Outcome captures the result of one confined command run. Stdout and
// Stderr are never absent — empty string at minimum. ExitCode -1 means
// the command did not run to completion (spawn failure, timeout,
// container not running).
type Outcome struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Success reports whether the command ran and exited zero.
func (o Outcome) Success() bool {
	return o.ExitCode == 0
}

// failure builds the synthetic outcome used when a command could not
// run at all.
func failure(format string, args ...any) Outcome {
	return Outcome{
		ExitCode: -1,
		Stderr:   fmt.Sprintf(format, args...),
	}
}

// Instance is the provisioned, mutable sandbox environment. At most one
// exists at a time; it is nil while the container is NotInitialized.
type Instance struct {
	ID       string
	UpperDir string // writable overlay root
	WorkDir  string // confinement helper scratch directory
}

// Policy selects the command validation applied before execution.
type Policy int

const (
	// PolicyNone runs the command without validation.
	PolicyNone Policy = iota

	// PolicyReadOnly only permits allow-listed inspection commands.
	PolicyReadOnly

	// PolicySystemPaths rejects destructive commands aimed at
	// protected base-image paths.
	PolicySystemPaths
)

func (p Policy) String() string {
	switch p {
	case PolicyReadOnly:
		return "read-only"
	case PolicySystemPaths:
		return "system-paths"
	default:
		return "none"
	}
}
