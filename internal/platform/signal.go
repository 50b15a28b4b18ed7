package platform

import (
	"os/signal"
	"sync"
	"syscall"
)

var ignoreSIGPIPEOnce sync.Once

// IgnoreSIGPIPE stops writes to a closed peer from terminating the process.
// It stays in effect for the life of the process.
func IgnoreSIGPIPE() {
	ignoreSIGPIPEOnce.Do(func() {
		signal.Ignore(syscall.SIGPIPE)
	})
}
