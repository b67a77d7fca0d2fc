package service

import "time"

// Action is what the engine does with one fence after looking at its history.
type Action int

const (
	ActionSkip Action = iota
	ActionRecord
	ActionRecordAndNotify
)

func (a Action) String() string {
	switch a {
	case ActionRecord:
		return "record"
	case ActionRecordAndNotify:
		return "record_and_notify"
	default:
		return "skip"
	}
}

// inCooldown reports whether a triggered fence is still inside its cooldown window.
// A fence that was never triggered, or whose last record is NotTriggered, is never
// cooling down.
func inCooldown(prior *Update, f GeoFence, now time.Time) bool {
	if prior == nil || prior.Status != Triggered {
		return false
	}
	return prior.UpdatedAt.Add(f.CooldownDuration()).After(now)
}

// decide maps (prior status, cooling, new status) to an action.
//
//	prior          cooling  next          action
//	any            yes      -             skip
//	none           no       Triggered     record+notify
//	none           no       NotTriggered  record
//	== next        no       any           skip
//	!= next        no       Triggered     record+notify
//	!= next        no       NotTriggered  record
func decide(prior *Update, cooling bool, next NotificationStatus) Action {
	switch {
	case cooling:
		return ActionSkip
	case prior != nil && prior.Status == next:
		return ActionSkip
	case next == Triggered:
		return ActionRecordAndNotify
	default:
		return ActionRecord
	}
}
