package connection

import (
	"errors"
	"fmt"
)

// State 推送通道状态
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrInvalidTransition 状态转换不在转换表中
var ErrInvalidTransition = errors.New("invalid connection state transition")

// transitions 允许的状态转换
var transitions = map[State][]State{
	StateIdle:       {StateConnecting},
	StateConnecting: {StateOpen, StateClosed, StateIdle},
	StateOpen:       {StateClosed},
	StateClosed:     {StateConnecting, StateIdle},
}

// CanTransition 判断 from -> to 是否允许
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// transition 校验并返回新状态
func transition(from, to State) (State, error) {
	if !CanTransition(from, to) {
		return from, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return to, nil
}
