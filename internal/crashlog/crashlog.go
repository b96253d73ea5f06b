// Package crashlog reports recovered panics and keeps a process-wide count.
package crashlog

import (
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const stackSize = 8192

var panics atomic.Int64

// LogPanic records a recovered panic with a stack trace.
func LogPanic(module string, r any, ctx map[string]string) {
	panics.Add(1)

	stack := make([]byte, stackSize)
	n := runtime.Stack(stack, false)

	ev := log.Error().
		Str("module", module).
		Str("panic", fmt.Sprintf("%v", r)).
		Str("stack", string(stack[:n]))
	withContext(ev, ctx).Msg("recovered panic")
}

// LogError records an error with optional context.
func LogError(module string, err error, ctx map[string]string) {
	if err == nil {
		return
	}
	withContext(log.Error().Err(err).Str("module", module), ctx).Msg("error")
}

// Recover is deferred by goroutines that must survive a bad input:
//
//	defer crashlog.Recover("gateway", nil)
func Recover(module string, ctx map[string]string) {
	if r := recover(); r != nil {
		LogPanic(module, r, ctx)
	}
}

// Panics is the number of panics recovered since start.
func Panics() int64 { return panics.Load() }

func withContext(ev *zerolog.Event, ctx map[string]string) *zerolog.Event {
	for k, v := range ctx {
		ev = ev.Str(k, v)
	}
	return ev
}
