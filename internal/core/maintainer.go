// Licensed under the MIT License. See LICENSE file in the project root for details.

package core

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// maintained is the store as seen by its maintainer.
type maintained interface {
	TailAddress() uint64
	periodicCheckpoint(ctx context.Context) error
	periodicCompaction(ctx context.Context) error
}

// Maintainer checkpoints and compacts the store in the background.
type Maintainer struct {
	target   maintained
	interval time.Duration

	stop   atomic.Bool
	cancel context.CancelFunc
	ctx    context.Context
	wg     sync.WaitGroup

	lastTail uint64
	runs     atomic.Int64
}

func newMaintainer(target maintained, interval time.Duration) *Maintainer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Maintainer{target: target, interval: interval, ctx: ctx, cancel: cancel}
}

// Start begins the maintenance loop.
func (m *Maintainer) Start() {
	if m.stop.Load() {
		return
	}
	m.wg.Add(1)
	go m.run()
}

// Stop ends the loop, abandoning a checkpoint wait in progress.
func (m *Maintainer) Stop() {
	m.stop.Store(true)
	m.cancel()
	m.wg.Wait()
}

// Runs returns the number of completed maintenance passes.
func (m *Maintainer) Runs() int64 { return m.runs.Load() }

func (m *Maintainer) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for !m.stop.Load() {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
		}
		m.maintain()
	}
}

// maintain runs one pass: a log checkpoint when the tail moved since the
// last one, then compaction.
func (m *Maintainer) maintain() {
	if tail := m.target.TailAddress(); tail != m.lastTail {
		if err := m.target.periodicCheckpoint(m.ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.WithField("err", err).Warn("periodic checkpoint failed")
		} else if err == nil {
			m.lastTail = tail
		}
	}
	if err := m.target.periodicCompaction(m.ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.WithField("err", err).Warn("periodic compaction failed")
	}
	m.runs.Add(1)
}

func (s *Store[V]) periodicCheckpoint(ctx context.Context) error {
	if _, ok := s.TakeHybridLogCheckpoint(s.cfg.SnapshotCheckpoints); !ok {
		// Someone else's machine is running; try again next tick.
		return nil
	}
	return s.CompleteCheckpoint(ctx)
}

func (s *Store[V]) periodicCompaction(ctx context.Context) error {
	lag := s.cfg.CompactionLag
	if lag == 0 {
		return nil
	}
	ro, begin := s.hlog.SafeReadOnlyAddress(), s.hlog.BeginAddress()
	if ro-begin <= lag {
		return nil
	}
	until := s.hlog.PageStart(ro - lag/2)
	if until <= begin {
		return nil
	}
	_, err := s.Log().Compact(ctx, nil, until, true)
	return err
}
