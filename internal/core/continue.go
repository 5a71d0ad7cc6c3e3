// Licensed under the MIT License. See LICENSE file in the project root for details.

package core

import (
	log "github.com/sirupsen/logrus"

	"github.com/kianostad/lfkv/internal/checkpoint"
	"github.com/kianostad/lfkv/internal/monitoring/metrics"
	"github.com/kianostad/lfkv/internal/synchronization"
)

// ContinueSession reopens the recovered session guid. It returns the commit
// point the session resumes after; operations with larger serial numbers,
// and the excluded ones, must be re-issued by the caller.
//
// Exactly one caller can continue a session. Everyone else, and callers
// arriving while a state machine runs, get a nil session and an
// UntilSerialNo of -1.
func ContinueSession[V, I, O, C any](store *Store[V], guid string, fns Functions[V, I, O, C]) (*ClientSession[V, I, O, C], checkpoint.CommitPoint, error) {
	if _, ok := store.recoveredSessions.Load(guid); !ok {
		metrics.ContinuedSessionsTotal.WithLabelValues("unknown").Inc()
		return nil, checkpoint.CannotResume, nil
	}

	// Hold the state cell so no machine starts while the session joins.
	cell := store.driver.Cell()
	cur := cell.Load()
	if cur.Phase != synchronization.Rest || cur.IsIntermediate() {
		metrics.ContinuedSessionsTotal.WithLabelValues("busy").Inc()
		return nil, checkpoint.CannotResume, nil
	}
	held := synchronization.MakeIntermediate(cur)
	if !cell.MakeTransition(cur, held) {
		metrics.ContinuedSessionsTotal.WithLabelValues("busy").Inc()
		return nil, checkpoint.CannotResume, nil
	}

	v, loaded := store.recoveredSessions.LoadAndDelete(guid)
	var (
		s   *ClientSession[V, I, O, C]
		cp  checkpoint.CommitPoint
		err error
	)
	if loaded {
		cp = v.(checkpoint.CommitPoint)
		if s, err = openSession(store, fns, guid, cp.UntilSerialNo); err != nil {
			store.recoveredSessions.Store(guid, cp)
		}
	}
	if !cell.MakeTransition(held, cur) {
		panic("state cell changed while continuing a session")
	}

	switch {
	case !loaded:
		metrics.ContinuedSessionsTotal.WithLabelValues("lost").Inc()
		return nil, checkpoint.CannotResume, nil
	case err != nil:
		metrics.ContinuedSessionsTotal.WithLabelValues(metrics.Fail).Inc()
		return nil, checkpoint.CannotResume, err
	}
	if err := s.Refresh(); err != nil {
		s.Close()
		return nil, checkpoint.CannotResume, err
	}
	metrics.ContinuedSessionsTotal.WithLabelValues(metrics.Ok).Inc()
	log.WithFields(log.Fields{"guid": guid, "until": cp.UntilSerialNo}).Info("session continued")
	return s, cp, nil
}
