package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// interruptSignals stop an import between requests. syscall.SIGTERM is never
// delivered on Windows, where Ctrl+C arrives as os.Interrupt.
var interruptSignals = []os.Signal{os.Interrupt, syscall.SIGTERM}

// InterruptedError is the cancellation cause of an import stopped by a signal.
type InterruptedError struct {
	Signal os.Signal
}

func (e *InterruptedError) Error() string {
	return "import interrupted by " + e.Signal.String()
}

// interruptContext returns a context cancelled with an *InterruptedError cause
// when one of interruptSignals arrives. The returned stop func releases the
// signal handler and must be called.
func interruptContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(parent)
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, interruptSignals...)

	go func() {
		select {
		case sig := <-ch:
			cancel(&InterruptedError{Signal: sig})
		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		signal.Stop(ch)
		cancel(context.Canceled)
	}
}
