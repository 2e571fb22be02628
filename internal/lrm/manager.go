// Copyright Kestrel Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package lrm

import (
	"context"
	"encoding/binary"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/go-logr/logr"
	"golang.org/x/sync/singleflight"

	"github.com/kestrel-os/kestrel/internal/pmm"
	"github.com/kestrel-os/kestrel/pkg/status"
)

// maxHistoryEntries bounds the badger-backed band-transition ring; older
// entries are pruned as new ones are recorded.
const maxHistoryEntries = 256

var historyPrefix = []byte("band")

// Reclaimer is one registered pressure-response callback. Lower Priority
// values run first, mirroring "try the cheapest reclaim source before the
// expensive ones."
type Reclaimer struct {
	Name     string
	Priority int
	Reclaim  func(ctx context.Context, band Band) (bytesReclaimed uint64, err error)
}

// Manager periodically samples memory pressure and, when it crosses into
// Advisory or worse, runs registered Reclaimers in priority order until
// either the band improves or the list is exhausted.
type Manager struct {
	logger    logr.Logger
	mem       *pmm.Memory
	heapUsage func() (used, capacity uint64)
	interval  time.Duration

	mu         sync.Mutex
	reclaimers []Reclaimer

	current atomic.Uint32 // Band

	db    *badger.DB
	group singleflight.Group

	stop chan struct{}
	wg   sync.WaitGroup
}

// Options configures a Manager.
type Options struct {
	Logger   logr.Logger
	Mem      *pmm.Memory
	Interval time.Duration
	// HeapUsage reports the kernel heap's used and capacity bytes, e.g.
	// from summing internal/kheap caches. It is injected rather than
	// imported directly so lrm does not depend on kheap's concrete types.
	HeapUsage func() (used, capacity uint64)
}

// NewManager opens the band-history store and returns a Manager that has
// not yet started sampling.
func NewManager(opts Options) (*Manager, error) {
	if opts.Mem == nil {
		return nil, status.Newf(status.InvalidArg, "lrm: Mem is required")
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.HeapUsage == nil {
		opts.HeapUsage = func() (uint64, uint64) { return 0, 0 }
	}

	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true))
	if err != nil {
		return nil, status.Wrap(status.DeviceError, err)
	}

	return &Manager{
		logger:    opts.Logger.WithName("lrm"),
		mem:       opts.Mem,
		heapUsage: opts.HeapUsage,
		interval:  opts.Interval,
		db:        db,
		stop:      make(chan struct{}),
	}, nil
}

// Register adds r to the reclaimer list, keeping it sorted by Priority.
// Registering a duplicate Name is rejected, mirroring
// CollectorRegistry's duplicate-type rejection.
func (m *Manager) Register(r Reclaimer) error {
	if r.Reclaim == nil {
		return status.Newf(status.InvalidArg, "lrm: Reclaimer %q has a nil Reclaim func", r.Name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.reclaimers {
		if existing.Name == r.Name {
			return status.Newf(status.AlreadyExists, "lrm: reclaimer %q already registered", r.Name)
		}
	}
	m.reclaimers = append(m.reclaimers, r)
	sort.SliceStable(m.reclaimers, func(i, j int) bool { return m.reclaimers[i].Priority < m.reclaimers[j].Priority })
	m.logger.Info("registered reclaimer", "name", r.Name, "priority", r.Priority)
	return nil
}

// CurrentBand reports the most recently computed Band.
func (m *Manager) CurrentBand() Band {
	return Band(m.current.Load())
}

// sample computes the current free-fraction across physical memory and
// the caller-supplied heap usage.
func (m *Manager) sample() Band {
	stats := m.mem.Stats()
	total := stats.TotalBytes()
	free := stats.FreeBytes()

	used, capacity := m.heapUsage()
	total += capacity
	if capacity > used {
		free += capacity - used
	}

	if total == 0 {
		return BandOk
	}
	return classify(float64(free) / float64(total))
}

// Start begins the periodic sampling loop. Stop must be called to release
// its goroutine.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-ticker.C:
				m.tick(ctx)
			}
		}
	}()
}

// Stop ends the sampling loop and waits for it to exit, then closes the
// history store.
func (m *Manager) Stop() error {
	close(m.stop)
	m.wg.Wait()
	return m.db.Close()
}

func (m *Manager) tick(ctx context.Context) {
	band := m.sample()
	prev := Band(m.current.Swap(uint32(band)))
	if band != prev {
		m.logger.Info("resource pressure band changed", "from", prev, "to", band)
		m.recordTransition(prev, band)
	}
	if band >= BandAdvisory {
		_ = m.reclaimPass(ctx, band)
	}
}

// ReclaimNow forces an immediate reclaim pass at the current band and
// blocks until it completes, collapsing concurrent callers onto the same
// in-flight pass.
func (m *Manager) ReclaimNow(ctx context.Context) error {
	_, err, _ := m.group.Do("reclaim", func() (any, error) {
		return nil, m.reclaimPass(ctx, m.CurrentBand())
	})
	return err
}

func (m *Manager) reclaimPass(ctx context.Context, band Band) error {
	m.mu.Lock()
	reclaimers := make([]Reclaimer, len(m.reclaimers))
	copy(reclaimers, m.reclaimers)
	m.mu.Unlock()

	for _, r := range reclaimers {
		freed, err := r.Reclaim(ctx, band)
		if err != nil {
			m.logger.Error(err, "reclaimer failed", "name", r.Name)
			continue
		}
		m.logger.Info("reclaimer ran", "name", r.Name, "bytesReclaimed", freed)
		if newBand := m.sample(); newBand < band {
			m.current.Store(uint32(newBand))
			return nil
		}
	}
	return nil
}

func historyKey(seq uint64) []byte {
	b := make([]byte, len(historyPrefix)+8)
	n := copy(b, historyPrefix)
	binary.BigEndian.PutUint64(b[n:], seq)
	return b
}

// recordTransition appends one band-transition record to the history
// ring, pruning the oldest entry once the ring exceeds maxHistoryEntries.
func (m *Manager) recordTransition(from, to Band) {
	seq := uint64(time.Now().UnixNano())
	val := []byte{byte(from), byte(to)}
	if err := m.db.Update(func(txn *badger.Txn) error {
		return txn.Set(historyKey(seq), val)
	}); err != nil {
		m.logger.Error(err, "failed recording band transition")
		return
	}
	m.prune()
}

func (m *Manager) prune() {
	var keys [][]byte
	_ = m.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(historyPrefix); it.ValidForPrefix(historyPrefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if len(keys) <= maxHistoryEntries {
		return
	}
	excess := keys[:len(keys)-maxHistoryEntries]
	_ = m.db.Update(func(txn *badger.Txn) error {
		for _, k := range excess {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// History returns the recorded (from, to) band transitions, oldest first.
func (m *Manager) History() ([][2]Band, error) {
	var out [][2]Band
	err := m.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(historyPrefix); it.ValidForPrefix(historyPrefix); it.Next() {
			err := it.Item().Value(func(v []byte) error {
				if len(v) != 2 {
					return status.Newf(status.DeviceError, "corrupt band history record")
				}
				out = append(out, [2]Band{Band(v[0]), Band(v[1])})
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, status.Wrap(status.DeviceError, err)
	}
	return out, nil
}
