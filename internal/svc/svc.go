// Copyright Kestrel Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package svc is the system-call dispatch layer (spec §4.M): a stable
// numeric (service, index) pair is routed to a typed in-kernel function
// with six integer-register arguments and one integer-register result,
// grounded on pkg/performance's self-registering collector registry
// (collectors/cpu.go's init() calling performance.Register into a
// package-level table keyed by MetricType) reworked into a two-level
// table keyed by the syscall ABI's (service_index, call_index) pair.
//
// Handlers are plain functions, registered once at package init time by
// the sibling files in this package (futex.go, timer.go, vm.go,
// thread.go, sys.go); the live kernel objects a call actually operates
// on (the scheduler, the futex table, ...) are threaded through each
// Call rather than captured by the handler closure, so one handler
// function serves every Kernel instance a test or the real boot
// sequence constructs.
package svc

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-logr/logr"

	"github.com/kestrel-os/kestrel/internal/futex"
	"github.com/kestrel-os/kestrel/internal/lrm"
	"github.com/kestrel-os/kestrel/internal/sched"
	"github.com/kestrel-os/kestrel/internal/timer"
	"github.com/kestrel-os/kestrel/internal/vmspace"
	"github.com/kestrel-os/kestrel/pkg/status"
)

// Service identifies one of the fixed syscall tables named in §6's ABI
// (service_index, call_index).
type Service uint32

const (
	ServiceFutex Service = iota
	ServiceTimer
	ServiceClock
	ServiceVM
	ServiceThread
	ServiceSys
)

// Call carries one system-call invocation: the six integer-register
// arguments the ABI specifies (§6), plus the per-caller kernel handles a
// handler needs to act (the calling thread's id, for resource
// bookkeeping like futex's touched-key ownership, and its address space,
// for copy-in/copy-out and VM operations). AS is nil for a call made on
// behalf of kernel code with no user address space.
type Call struct {
	Index Index
	Args  [6]uint64
	Owner uint64
	AS    *vmspace.AddressSpace
}

// Index is a (service, call) pair, the stable numeric identifier named
// in spec §6.
type Index struct {
	Service Service
	Call    uint32
}

// Handler is one in-kernel system-call implementation. It receives the
// live Kernel so it can reach the scheduler, futex table, timers, and
// low-resource manager without importing a global.
type Handler func(ctx context.Context, k *Kernel, call *Call) (uint64, error)

// Kernel bundles the subsystems a syscall handler may need to reach.
// Component M owns none of these; it only routes calls into them.
type Kernel struct {
	Sched  *sched.Scheduler
	Futex  *futex.Table
	Timers *timer.Manager
	LRM    *lrm.Manager

	mu        sync.Mutex
	nextTimer uint64
	timers    map[uint64]*timer.Timer
}

// NewKernel bundles the given subsystems into a dispatch target.
func NewKernel(s *sched.Scheduler, f *futex.Table, t *timer.Manager, l *lrm.Manager) *Kernel {
	return &Kernel{Sched: s, Futex: f, Timers: t, LRM: l, timers: make(map[uint64]*timer.Timer)}
}

type entry struct {
	name string
	fn   Handler
}

// Table is the kernel's (service, index) -> Handler dispatch table.
type Table struct {
	mu      sync.RWMutex
	entries map[Index]entry
	logger  logr.Logger
}

// NewTable creates an empty dispatch table.
func NewTable(logger logr.Logger) *Table {
	return &Table{entries: make(map[Index]entry), logger: logger.WithName("svc")}
}

// Default is the process-wide table that every handler file in this
// package registers itself into via init(), mirroring
// pkg/performance/collectors' init()-time self-registration into its
// package-level collector set.
var Default = NewTable(logr.Discard())

// SetLogger replaces Default's logger, e.g. once the real boot logger is
// available; registrations that already ran keep working unaffected.
func SetLogger(logger logr.Logger) {
	Default.mu.Lock()
	defer Default.mu.Unlock()
	Default.logger = logger.WithName("svc")
}

// Register installs fn under idx with a human-readable name used in log
// lines and error messages. It panics on a duplicate registration, since
// a colliding syscall index is a build-time programming error, not a
// runtime condition callers should need to handle (matching
// CollectorRegistry's fmt.Errorf-on-duplicate check, hardened to a panic
// here because Register only ever runs from package init()).
func Register(idx Index, name string, fn Handler) {
	Default.mu.Lock()
	defer Default.mu.Unlock()
	if _, exists := Default.entries[idx]; exists {
		panic(fmt.Sprintf("svc: duplicate registration for %+v (%s)", idx, name))
	}
	Default.entries[idx] = entry{name: name, fn: fn}
	Default.logger.V(1).Info("registered syscall handler", "service", idx.Service, "call", idx.Call, "name", name)
}

// Lookup returns the handler registered for idx, if any.
func (t *Table) Lookup(idx Index) (Handler, string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[idx]
	return e.fn, e.name, ok
}

// Dispatch clamps idx against the registered table and invokes the
// handler with call, copying spec §4.M's "clamps both indices,
// dereferences the function, invokes it" contract. An unregistered
// service or call index returns NotImplemented rather than panicking;
// nothing about a bad syscall number from user mode should be able to
// bring down the kernel.
func (t *Table) Dispatch(ctx context.Context, k *Kernel, call *Call) (uint64, error) {
	fn, name, ok := t.Lookup(call.Index)
	if !ok {
		return 0, status.Newf(status.NotImplemented, "no handler for service %d call %d", call.Index.Service, call.Index.Call)
	}
	t.logger.V(1).Info("dispatch", "service", call.Index.Service, "call", call.Index.Call, "name", name, "owner", call.Owner)
	return fn(ctx, k, call)
}

// Dispatch routes call through the Default table.
func Dispatch(ctx context.Context, k *Kernel, call *Call) (uint64, error) {
	return Default.Dispatch(ctx, k, call)
}
