// Copyright Kestrel Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Command kestreld boots the hosted kernel simulation: it brings up the
// physical and virtual memory layers, the scheduler and its wait-queue
// and synchronization primitives, the interrupt dispatch table, the
// futex and timer subsystems, the Low-Resource Manager, and the
// system-call dispatch table, in the order spec §4.E assigns to a real
// boot sequence, then idles until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"

	"github.com/kestrel-os/kestrel/internal/futex"
	"github.com/kestrel-os/kestrel/internal/irq"
	"github.com/kestrel-os/kestrel/internal/kheap"
	"github.com/kestrel-os/kestrel/internal/lrm"
	"github.com/kestrel-os/kestrel/internal/mmu"
	"github.com/kestrel-os/kestrel/internal/percpu"
	"github.com/kestrel-os/kestrel/internal/pmm"
	"github.com/kestrel-os/kestrel/internal/sched"
	"github.com/kestrel-os/kestrel/internal/svc"
	"github.com/kestrel-os/kestrel/internal/timer"
)

var (
	memBytes   uint64
	cpuCount   int
	tickPeriod time.Duration
	verbose    bool
	heapBytes  uint64
)

func init() {
	flag.Uint64Var(&memBytes, "mem-bytes", 256<<20, "Size of the simulated physical memory arena")
	flag.IntVar(&cpuCount, "cpus", 1, "Number of CPUs to bring online, including the boot CPU")
	flag.DurationVar(&tickPeriod, "tick", time.Millisecond, "Per-CPU scheduler tick period")
	flag.BoolVar(&verbose, "v", false, "Enable verbose (debug-level) logging")
	flag.Uint64Var(&heapBytes, "heap-bytes", 16<<20, "Size of the kernel virtual heap arena")
}

func main() {
	flag.Parse()

	var zapLogger *zap.Logger
	var err error
	if verbose {
		zapLogger, err = zap.NewDevelopment()
	} else {
		zapLogger, err = zap.NewProduction()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "kestreld: failed to build logger: %v\n", err)
		os.Exit(1)
	}
	logger := zapr.NewLogger(zapLogger)
	svc.SetLogger(logger)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	if err := run(ctx, logger); err != nil {
		logger.Error(err, "kestreld exited with error")
		os.Exit(1)
	}
}

func run(ctx context.Context, logger logr.Logger) error {
	// (B) physical page allocator.
	mem, err := pmm.NewMemory(memBytes)
	if err != nil {
		return err
	}
	logger.Info("physical memory online", "bytes", memBytes)

	// (E) per-CPU state: boot CPU first, then APs via the two-barrier
	// handshake.
	sys := percpu.NewSystem()
	bsp := sys.BootBSP(tickPeriod)
	logger.Info("boot cpu online", "id", bsp.ID)

	if cpuCount > 1 {
		if err := bootAPs(ctx, sys, cpuCount, tickPeriod, logger); err != nil {
			return err
		}
	}

	// (F) interrupt dispatch, wired before the scheduler so exceptions
	// during the rest of boot are diagnosable.
	irqTable := irq.NewTable(nil)
	broadcaster := irq.NewBroadcaster(sys, irqTable)
	logger.Info("interrupt dispatch online")

	// (A) the kernel's own MMU context, shootdown-capable once more than
	// one CPU is online.
	kernelCtx := mmu.New(broadcaster, mmu.KernelSpace)

	// (C) kernel virtual memory: a heap arena physically backed on
	// demand, with one slab cache registered as a worked example of the
	// magazine/depot layering and exercised as a boot self-check.
	heapArena := kheap.NewVAArena(0xFFFF800000000000, uintptr(heapBytes), mem, kernelCtx)
	var ctorCalls, dtorCalls int
	exampleCache, err := kheap.NewCache("kestreld.example", 64, 8,
		func(addr uintptr, data any) error { ctorCalls++; return nil },
		func(addr uintptr, data any) { dtorCalls++ },
		nil, heapArena)
	if err != nil {
		return err
	}
	probe, err := exampleCache.Alloc(ctx, bsp)
	if err != nil {
		return err
	}
	if err := exampleCache.Free(bsp, probe); err != nil {
		return err
	}
	defer func() {
		if err := exampleCache.Destroy(context.Background()); err != nil {
			logger.Error(err, "kheap example cache destroy failed")
			return
		}
		logger.Info("kheap example cache destroyed", "ctor_calls", ctorCalls, "dtor_calls", dtorCalls)
	}()
	logger.Info("kernel heap online", "bytes", heapBytes)

	// (G) scheduler, started on every online CPU.
	scheduler := sched.New(sys)
	for _, cell := range sys.Cells() {
		scheduler.Start(ctx, cell)
	}
	logger.Info("scheduler online", "cpus", len(sys.Cells()))

	// (J) futex table.
	futexTable, err := futex.NewTable()
	if err != nil {
		return err
	}
	defer futexTable.Close()

	// (K) timer manager, one queue per online CPU.
	clock := timer.NewManager(nil)
	for _, cell := range sys.Cells() {
		stop := clock.StartCPU(ctx, cell)
		defer stop()
	}
	logger.Info("timers online")

	// (L) Low-Resource Manager, polling the kernel heap arena's
	// used/capacity watermarks to decide when to reclaim.
	resourceMgr, err := lrm.NewManager(lrm.Options{
		Logger:   logger,
		Mem:      mem,
		Interval: time.Second,
		HeapUsage: func() (uint64, uint64) {
			return uint64(heapArena.Used()), uint64(heapArena.Capacity())
		},
	})
	if err != nil {
		return err
	}
	resourceMgr.Start(ctx)
	defer resourceMgr.Stop() //nolint:errcheck

	// (M) system-call dispatch, routed to every subsystem above.
	kernel := svc.NewKernel(scheduler, futexTable, clock, resourceMgr)
	logger.Info("syscall dispatch online")

	logger.Info("kestreld boot complete", "cpus", len(sys.Cells()))

	<-ctx.Done()
	scheduler.Stop()
	_ = kernel
	_ = irqTable
	logger.Info("kestreld halted")
	return nil
}

// bootAPs brings up cpuCount-1 additional CPUs via the two-barrier
// handshake (spec §4.E). The handshake is sized for the APs alone: the
// boot CPU does not arrive at either rendezvous point.
func bootAPs(ctx context.Context, sys *percpu.System, cpuCount int, tick time.Duration, logger logr.Logger) error {
	aps := cpuCount - 1
	b1, b2 := percpu.NewHandshake(aps)

	errCh := make(chan error, aps)
	for i := 1; i <= aps; i++ {
		go func(id int) {
			_, err := sys.BootAP(ctx, id, tick, b1, b2)
			errCh <- err
		}(i)
	}

	for i := 0; i < aps; i++ {
		if err := <-errCh; err != nil {
			return err
		}
	}
	logger.Info("application processors online", "count", aps)
	return nil
}
