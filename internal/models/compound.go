package models

import "time"

// CompoundPhase is the phase of a compound rule's per-period state machine.
type CompoundPhase int

const (
	PhaseUnarmed CompoundPhase = iota
	PhaseArmed
	PhaseSettling
)

func (p CompoundPhase) String() string {
	switch p {
	case PhaseUnarmed:
		return "unarmed"
	case PhaseArmed:
		return "armed"
	case PhaseSettling:
		return "settling"
	default:
		return "unknown"
	}
}

// CompoundState is Unarmed | Armed{ArmedAt} | Settling{ArmedAt, SettledAt}.
// It is persisted as the rule's armed_at / data_settled_at pair and only
// ever replaced as a whole through a compare-and-swap.
type CompoundState struct {
	Phase     CompoundPhase
	ArmedAt   time.Time
	SettledAt time.Time
}

// Unarmed is the resting state between periods.
func Unarmed() CompoundState { return CompoundState{Phase: PhaseUnarmed} }

// Armed marks the schedule condition satisfied at since.
func Armed(since time.Time) CompoundState {
	return CompoundState{Phase: PhaseArmed, ArmedAt: since.UTC()}
}

// Settling marks the data condition first observed matching at settledAt.
func Settling(armedAt, settledAt time.Time) CompoundState {
	return CompoundState{Phase: PhaseSettling, ArmedAt: armedAt.UTC(), SettledAt: settledAt.UTC()}
}

// CompoundStateOf decodes the persisted pair. A settle timestamp without an
// arm timestamp is a dangling value and reads as Unarmed.
func CompoundStateOf(armedAt, settledAt *time.Time) CompoundState {
	if armedAt == nil {
		return Unarmed()
	}
	if settledAt == nil {
		return Armed(*armedAt)
	}
	return Settling(*armedAt, *settledAt)
}

// Fields encodes the state as the persisted nullable pair.
func (s CompoundState) Fields() (armedAt, settledAt *time.Time) {
	switch s.Phase {
	case PhaseArmed:
		a := s.ArmedAt
		return &a, nil
	case PhaseSettling:
		a, st := s.ArmedAt, s.SettledAt
		return &a, &st
	default:
		return nil, nil
	}
}

// IsArmed is true for Armed and Settling.
func (s CompoundState) IsArmed() bool { return s.Phase != PhaseUnarmed }

// Arm moves Unarmed to Armed. Arming while already armed is ignored so an
// unresolved period is never overwritten by the next schedule slot.
func (s CompoundState) Arm(now time.Time) (CompoundState, bool) {
	if s.Phase != PhaseUnarmed {
		return s, false
	}
	return Armed(now), true
}

// ObserveData applies a fresh evaluation of the data condition outside the
// settle check: Armed+match starts settling, Settling+no match falls back to
// Armed. Settling+match keeps the first settle timestamp.
func (s CompoundState) ObserveData(matched bool, now time.Time) (CompoundState, bool) {
	switch s.Phase {
	case PhaseArmed:
		if matched {
			return Settling(s.ArmedAt, now), true
		}
	case PhaseSettling:
		if !matched {
			return Armed(s.ArmedAt), true
		}
	}
	return s, false
}

// SettleDecision is the outcome of a settle check.
type SettleDecision int

const (
	SettleNotSettling SettleDecision = iota
	SettleWait
	SettleRevert
	SettleFire
)

// WindowElapsed reports whether the settling window has passed at now.
func (s CompoundState) WindowElapsed(now time.Time, window time.Duration) bool {
	return s.Phase == PhaseSettling && now.Sub(s.SettledAt) >= window
}

// Settle decides what a settling rule does at now. matched is the final
// evaluation and is only consulted once the window has elapsed.
func (s CompoundState) Settle(matched bool, now time.Time, window time.Duration) SettleDecision {
	if s.Phase != PhaseSettling {
		return SettleNotSettling
	}
	if !s.WindowElapsed(now, window) {
		return SettleWait
	}
	if !matched {
		return SettleRevert
	}
	return SettleFire
}
