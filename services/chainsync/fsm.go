package chainsync

import (
	"github.com/looplab/fsm"
)

// Synchronizer states. Reorg handling walks ReorgDetected, RollingBack and
// Replaying in order before resuming the stream.
const (
	StateIdle          = "Idle"
	StateSyncing       = "Syncing"
	StateReorgDetected = "ReorgDetected"
	StateRollingBack   = "RollingBack"
	StateReplaying     = "Replaying"
)

const (
	EventStart         = "start"
	EventReorgDetected = "reorgDetected"
	EventRollback      = "rollback"
	EventReplay        = "replay"
	EventResume        = "resume"
	EventStop          = "stop"
)

func (s *Synchronizer) newFiniteStateMachine() *fsm.FSM {
	return fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: EventStart, Src: []string{StateIdle}, Dst: StateSyncing},
			{Name: EventReorgDetected, Src: []string{StateSyncing}, Dst: StateReorgDetected},
			{Name: EventRollback, Src: []string{StateReorgDetected}, Dst: StateRollingBack},
			{Name: EventReplay, Src: []string{StateRollingBack}, Dst: StateReplaying},
			{Name: EventResume, Src: []string{StateReorgDetected, StateReplaying}, Dst: StateSyncing},
			{Name: EventStop, Src: []string{StateSyncing, StateReorgDetected, StateRollingBack, StateReplaying}, Dst: StateIdle},
		},
		fsm.Callbacks{},
	)
}
