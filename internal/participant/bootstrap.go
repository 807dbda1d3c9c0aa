package participant

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/oriys/midas/internal/logging"
	"github.com/oriys/midas/internal/transport"
)

// Options configures a participant process.
type Options struct {
	// Address is the host's HOST:PORT.
	Address string
	// BaseName is the registered name; with more than one thread each worker
	// suffixes it with its index.
	BaseName string
	// Threads is the worker count; zero means hardware concurrency.
	Threads int
	// ReconnectInterval is the probe retry delay; zero means two seconds.
	ReconnectInterval time.Duration
}

func (o *Options) normalize() {
	if o.Threads <= 0 {
		o.Threads = runtime.NumCPU()
	}
	if o.ReconnectInterval <= 0 {
		o.ReconnectInterval = 2 * time.Second
	}
}

// WorkerName derives the registered name for one worker thread.
func WorkerName(base string, index, total int) string {
	if total == 1 {
		return base
	}
	return fmt.Sprintf("%s-%03d", base, index)
}

// Run is the participant main loop: probe until the host answers, fan out
// the workers, wait for all of them to exit, then probe again. Worker spawn
// is gated on the probe so N workers do not each spam connect errors during
// a host outage. Returns only when ctx is cancelled.
func Run(ctx context.Context, opts Options) error {
	opts.normalize()

	for {
		if err := transport.Probe(ctx, opts.Address, opts.ReconnectInterval); err != nil {
			return err
		}
		logging.Op().Info("host reachable, starting workers",
			"address", opts.Address, "workers", opts.Threads)

		cycleCtx, cancel := context.WithCancel(ctx)
		var wg sync.WaitGroup
		for i := 0; i < opts.Threads; i++ {
			name := WorkerName(opts.BaseName, i, opts.Threads)
			wg.Add(1)
			go func() {
				defer wg.Done()
				runWorker(cycleCtx, opts.Address, name)
			}()
		}
		wg.Wait()
		cancel()

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		logging.Op().Info("all workers exited, returning to probe phase")
	}
}

func runWorker(ctx context.Context, addr, name string) {
	conn, err := transport.Dial(addr)
	if err != nil {
		logging.Op().Warn("worker could not connect", "name", name, "error", err)
		return
	}
	// A cancelled context drops the transport; the reader closes the
	// worker's channels and the executor observes it at its next read or
	// checkpoint.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	err = NewWorker(name, conn).Run()
	switch {
	case errors.Is(err, ErrKilled):
		logging.Op().Info("worker killed by host", "name", name)
	case errors.Is(err, ErrDisconnected):
		logging.Op().Info("worker lost host connection", "name", name)
	default:
		logging.Op().Warn("worker exited", "name", name, "error", err)
	}
}
