//go:build !windows

package cli

import (
	"context"
	"errors"
	"os"
	"syscall"
	"testing"
	"time"
)

func TestInterruptContext_SignalCancelsWithCause(t *testing.T) {
	ctx, stop := interruptContext(context.Background())
	defer stop()

	p, err := os.FindProcess(os.Getpid())
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Signal(syscall.SIGTERM); err != nil {
		t.Fatalf("signal: %v", err)
	}

	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("context not cancelled by SIGTERM")
	}
	var ie *InterruptedError
	if !errors.As(context.Cause(ctx), &ie) {
		t.Fatalf("cause = %v, want *InterruptedError", context.Cause(ctx))
	}
	if ie.Signal != syscall.SIGTERM {
		t.Errorf("signal = %v, want SIGTERM", ie.Signal)
	}
}

func TestInterruptContext_StopIsPlainCancel(t *testing.T) {
	ctx, stop := interruptContext(context.Background())
	stop()

	<-ctx.Done()
	var ie *InterruptedError
	if errors.As(context.Cause(ctx), &ie) {
		t.Fatalf("stop reported an interrupt: %v", ie)
	}
	if !errors.Is(ctx.Err(), context.Canceled) {
		t.Errorf("err = %v", ctx.Err())
	}
}

func TestInterruptedError_Message(t *testing.T) {
	err := &InterruptedError{Signal: syscall.SIGINT}
	if got := err.Error(); got != "import interrupted by interrupt" {
		t.Errorf("Error() = %q", got)
	}
}
