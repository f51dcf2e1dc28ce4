// Command fiberdemo is a fixed demonstration program, not a CLI: it wires
// config, fiberlog, scheduler and iomanager together and runs one scripted
// scenario, mirroring original_source/tests/test_iomanager.cpp's shape (a
// non-blocking pipe, a read continuation and a write continuation, the write
// side writing the payload that wakes the read side).
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/fibercore/fiberd/config"
	"github.com/fibercore/fiberd/fiber"
	"github.com/fibercore/fiberd/fiberlog"
	"github.com/fibercore/fiberd/iomanager"
	"github.com/fibercore/fiberd/scheduler"
)

func main() {
	if err := config.Default.LoadYAML([]byte("fiber:\n  stack_size: 65536\n")); err != nil {
		fiberlog.System().Err().Err(err).Log("fiberdemo: failed to load configuration")
		os.Exit(1)
	}

	mgr, err := iomanager.New(2)
	if err != nil {
		fiberlog.System().Err().Err(err).Log("fiberdemo: failed to construct io manager")
		os.Exit(1)
	}
	if err := mgr.Start(); err != nil {
		fiberlog.System().Err().Err(err).Log("fiberdemo: failed to start io manager")
		os.Exit(1)
	}

	r, w, err := os.Pipe()
	if err != nil {
		fiberlog.System().Err().Err(err).Log("fiberdemo: failed to create pipe")
		os.Exit(1)
	}
	defer r.Close()
	defer w.Close()

	if err := unix.SetNonblock(int(r.Fd()), true); err != nil {
		fiberlog.System().Err().Err(err).Log("fiberdemo: failed to set read end non-blocking")
		os.Exit(1)
	}
	if err := unix.SetNonblock(int(w.Fd()), true); err != nil {
		fiberlog.System().Err().Err(err).Log("fiberdemo: failed to set write end non-blocking")
		os.Exit(1)
	}

	done := make(chan struct{})

	// readerFiber demonstrates the implicit-capture path: it arms its own
	// read interest by calling AddEvent with a nil continuation from inside
	// its own entry function, which snapshots it (via fiber.Current) rather
	// than requiring a caller-held *fiber.Fiber to be built for it.
	readerFiber := fiber.New(func(y *fiber.Yielder) {
		if err := mgr.AddEvent(int(r.Fd()), iomanager.EventRead, nil); err != nil {
			fiberlog.System().Err().Err(err).Log("fiberdemo: failed to arm read event")
			return
		}
		y.YieldHold()

		buf := make([]byte, 64)
		n, err := unix.Read(int(r.Fd()), buf)
		if err != nil {
			fiberlog.System().Err().Err(err).Log("fiberdemo: read continuation failed")
			return
		}
		fiberlog.System().Info().Str("payload", string(buf[:n])).Log("fiberdemo: read continuation observed data")
		close(done)
	}, 0)

	if err := mgr.Submit(scheduler.FiberTask(readerFiber, scheduler.Unpinned)); err != nil {
		fiberlog.System().Err().Err(err).Log("fiberdemo: failed to submit reader fiber")
		os.Exit(1)
	}

	// The write side instead demonstrates the explicit-callback path: a
	// plain closure, with no coroutine of its own, run once the write end
	// becomes ready.
	if err := mgr.AddEvent(int(w.Fd()), iomanager.EventWrite, func() {
		if _, err := unix.Write(int(w.Fd()), []byte("hello from fiberdemo")); err != nil {
			fiberlog.System().Err().Err(err).Log("fiberdemo: write continuation failed")
			return
		}
		fiberlog.System().Info().Log("fiberdemo: write continuation wrote its payload")
	}); err != nil {
		fiberlog.System().Err().Err(err).Log("fiberdemo: failed to arm write event")
		os.Exit(1)
	}

	select {
	case <-done:
		fiberlog.System().Info().Log("fiberdemo: scenario completed")
	case <-time.After(5 * time.Second):
		fiberlog.System().Warning().Log("fiberdemo: scenario timed out")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := mgr.Stop(ctx); err != nil {
		fiberlog.System().Err().Err(err).Log("fiberdemo: io manager shutdown reported an error")
	}

	fmt.Println("fiberdemo: done")
}
