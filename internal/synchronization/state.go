// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package synchronization implements the global phase and version state
// machine that every session walks cooperatively.
//
// The global SystemState is a (Phase, Version) pair packed into one word and
// held in a StateCell. It only ever changes through MakeTransition, and the
// Driver uses that to move it in two steps: expected to an intermediate
// encoding, then intermediate to next. Whoever wins the first step runs the
// transition's global hooks; everyone else observes the intermediate flag and
// retries later.
//
// A StateMachine is an ordered list of Tasks plus a NextState function. The
// Driver runs one machine at a time. Sessions learn about a new state when
// they refresh, and are walked through each phase in order so that every
// Task sees every session pass through the phases it cares about.
//
// # Key Features
//
//   - Single-writer global state with a visible in-flight transition marker
//   - Version change with a 13-bit collision guard
//   - Fold-over and snapshot hybrid log checkpoints, index snapshots, and full checkpoints
//   - Per-session context rotation across a version boundary
//
// # Phase Ordering
//
// Phases are ordered so that every phase below Rest comes after the version
// bump of a cycle and every phase above Rest comes before it. StartOfCurrentCycle
// relies on this ordering.
//
// # Dangers and Warnings
//
//   - **Single Writer**: Nothing but the Driver may mutate a StateCell, and only through MakeTransition.
//   - **Session Ownership**: ThreadStateMachineStep must run on the goroutine that owns the Thread.
//   - **Lagging Sessions**: A protected session that never refreshes stalls every machine.
package synchronization

import (
	"fmt"
	"sync/atomic"
)

// Phase is a stage of the global state machine.
type Phase uint8

const (
	InProgress Phase = iota
	WaitPending
	WaitIndexCheckpoint
	WaitFlush
	PersistenceCallback
	Rest
	PrepIndexCheckpoint
	WaitIndexOnlyCheckpoint
	Prepare

	// Intermediate is OR-ed into a phase while a transition is in flight.
	Intermediate Phase = 0x10
)

func (p Phase) String() string {
	var s string
	switch p &^ Intermediate {
	case InProgress:
		s = "IN_PROGRESS"
	case WaitPending:
		s = "WAIT_PENDING"
	case WaitIndexCheckpoint:
		s = "WAIT_INDEX_CHECKPOINT"
	case WaitFlush:
		s = "WAIT_FLUSH"
	case PersistenceCallback:
		s = "PERSISTENCE_CALLBACK"
	case Rest:
		s = "REST"
	case PrepIndexCheckpoint:
		s = "PREP_INDEX_CHECKPOINT"
	case WaitIndexOnlyCheckpoint:
		s = "WAIT_INDEX_ONLY_CHECKPOINT"
	case Prepare:
		s = "PREPARE"
	default:
		s = fmt.Sprintf("PHASE(%d)", uint8(p&^Intermediate))
	}
	if p&Intermediate != 0 {
		s += "*"
	}
	return s
}

// Marker indexes, one per phase obligation a session can complete.
const (
	MarkerPrepare = iota
	MarkerInProgress
	MarkerWaitPending
	MarkerWaitFlush
	MarkerCheckpointCompletionCallback

	MarkerCount
)

const (
	phaseShift  = 56
	versionMask = (1 << phaseShift) - 1
)

// SystemState is a point in the global state machine.
type SystemState struct {
	Phase   Phase
	Version uint64
}

// Word packs the state into a single word.
func (s SystemState) Word() uint64 {
	return uint64(s.Phase)<<phaseShift | s.Version&versionMask
}

// StateFromWord reverses Word.
func StateFromWord(w uint64) SystemState {
	return SystemState{Phase: Phase(w >> phaseShift), Version: w & versionMask}
}

// IsIntermediate reports whether a transition out of s is in flight.
func (s SystemState) IsIntermediate() bool { return s.Phase&Intermediate != 0 }

func (s SystemState) String() string {
	return fmt.Sprintf("(%s, %d)", s.Phase, s.Version)
}

// MakeIntermediate returns s with the intermediate flag set.
func MakeIntermediate(s SystemState) SystemState {
	s.Phase |= Intermediate
	return s
}

// RemoveIntermediate returns s with the intermediate flag cleared.
func RemoveIntermediate(s SystemState) SystemState {
	s.Phase &^= Intermediate
	return s
}

// StartOfCurrentCycle returns the Rest state the cycle containing s began from.
func StartOfCurrentCycle(s SystemState) SystemState {
	if s.Phase < Rest {
		return SystemState{Phase: Rest, Version: s.Version - 1}
	}
	return SystemState{Phase: Rest, Version: s.Version}
}

// StateCell holds the global SystemState.
type StateCell struct {
	word atomic.Uint64
}

// NewStateCell returns a cell holding s.
func NewStateCell(s SystemState) *StateCell {
	c := &StateCell{}
	c.word.Store(s.Word())
	return c
}

// Load returns the current state, intermediate flag included.
func (c *StateCell) Load() SystemState {
	return StateFromWord(c.word.Load())
}

// MakeTransition moves the cell from expected to next, and reports whether
// this caller won.
func (c *StateCell) MakeTransition(expected, next SystemState) bool {
	return c.word.CompareAndSwap(expected.Word(), next.Word())
}
