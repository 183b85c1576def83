package transport

import (
	"context"

	"github.com/looplab/fsm"
)

// State состояние DTLS сессии транспорта
type State string

const (
	StateNew        State = "new"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateClosed     State = "closed"
	StateFailed     State = "failed"
)

// IsTerminal Closed и Failed не покидаются
func (s State) IsTerminal() bool {
	return s == StateClosed || s == StateFailed
}

const (
	eventConnect     = "connect"
	eventEstablished = "established"
	eventFail        = "fail"
	eventClose       = "close"
	eventReset       = "reset"
)

// newStateMachine New -> Connecting -> Connected -> {Closed | Failed}.
// reset возвращает нетерминальное состояние в New.
func newStateMachine(onChange func(from, to State)) *fsm.FSM {
	return fsm.NewFSM(
		string(StateNew),
		fsm.Events{
			{Name: eventConnect, Src: []string{string(StateNew)}, Dst: string(StateConnecting)},
			{Name: eventEstablished, Src: []string{string(StateConnecting)}, Dst: string(StateConnected)},
			{Name: eventFail, Src: []string{string(StateNew), string(StateConnecting), string(StateConnected)}, Dst: string(StateFailed)},
			{Name: eventClose, Src: []string{string(StateNew), string(StateConnecting), string(StateConnected)}, Dst: string(StateClosed)},
			{Name: eventReset, Src: []string{string(StateConnecting), string(StateConnected)}, Dst: string(StateNew)},
		},
		fsm.Callbacks{
			"enter_state": func(ctx context.Context, e *fsm.Event) {
				if onChange != nil {
					onChange(State(e.Src), State(e.Dst))
				}
			},
		},
	)
}
