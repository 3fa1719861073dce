package util

import (
	"runtime/debug"

	"github.com/moltbunker/rewardclaim/internal/logging"
)

// SafeGoWithName runs fn on a new goroutine with panic recovery. Panics are
// logged with the goroutine name and stack trace instead of crashing the
// process.
//
//	util.SafeGoWithName("reward-poller", func() {
//	    // goroutine code here
//	})
func SafeGoWithName(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logging.Error("goroutine panic recovered",
					"goroutine", name,
					"panic", r,
					"stack", string(debug.Stack()),
				)
			}
		}()
		fn()
	}()
}
