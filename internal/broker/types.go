package broker

import (
	"fmt"

	"github.com/GriffinCanCode/AgentOS/ipc/internal/platform"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/shared/id"
)

// ProcessIdentifier names a process connected to a broker. Values are
// assigned by the broker and never reused while it runs.
type ProcessIdentifier uint64

const (
	InvalidProcessIdentifier ProcessIdentifier = 0
	MasterProcessIdentifier  ProcessIdentifier = 1

	firstSlaveProcessIdentifier ProcessIdentifier = 2
)

func (p ProcessIdentifier) String() string {
	switch p {
	case InvalidProcessIdentifier:
		return "invalid"
	case MasterProcessIdentifier:
		return "master"
	default:
		return fmt.Sprintf("slave(%d)", uint64(p))
	}
}

// Result is the outcome of Connect.
type Result int

const (
	// ResultFailure means no connection was made.
	ResultFailure Result = iota
	// ResultSameProcess means both parties are the calling process; no
	// handle is produced.
	ResultSameProcess
	// ResultNewConnection comes with a freshly connected handle.
	ResultNewConnection
	// ResultReuseConnection means the two processes are already connected
	// and the existing channel should be used instead.
	ResultReuseConnection
)

func (r Result) String() string {
	switch r {
	case ResultFailure:
		return "failure"
	case ResultSameProcess:
		return "same_process"
	case ResultNewConnection:
		return "new_connection"
	case ResultReuseConnection:
		return "reuse_connection"
	default:
		return fmt.Sprintf("result(%d)", int(r))
	}
}

// Succeeded reports whether r is one of the success outcomes.
func (r Result) Succeeded() bool {
	return r == ResultSameProcess || r == ResultNewConnection || r == ResultReuseConnection
}

// SlaveInfo is opaque embedder data attached to a slave and handed back in
// OnSlaveDisconnect.
type SlaveInfo = any

// MasterDelegate receives notifications in the master process.
type MasterDelegate interface {
	OnSlaveDisconnect(info SlaveInfo)
}

// SlaveDelegate receives notifications in a slave process.
type SlaveDelegate interface {
	OnMasterDisconnect()
}

// ConnectionManager arbitrates rendezvous between processes.
//
// Connect only succeeds after both parties have called AllowConnect with the
// same identifier; how each learns the other has done so is up to the
// caller. Shutdown must be the last call and must not race other calls.
type ConnectionManager interface {
	// GenerateConnectionIdentifier draws a fresh token. It does not register
	// anything.
	GenerateConnectionIdentifier() id.ConnectionIdentifier
	// AllowConnect registers this process's intent to connect under cid.
	AllowConnect(cid id.ConnectionIdentifier) bool
	// CancelConnect retracts an intent. False means there was nothing to
	// cancel and is informational only.
	CancelConnect(cid id.ConnectionIdentifier) bool
	// Connect completes a rendezvous. The handle is non-nil only for
	// ResultNewConnection.
	Connect(cid id.ConnectionIdentifier) (Result, ProcessIdentifier, *platform.ScopedHandle)
	Shutdown()
}
