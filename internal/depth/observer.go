package depth

import (
	"fmt"
	"reflect"
)

// Observer receives milestones as they fire. Returning an error or panicking
// does not prevent delivery to the remaining observers or the broadcaster.
type Observer interface {
	Notify(evt MilestoneReached) error
}

// Broadcaster publishes fired milestones on the ambient channel.
type Broadcaster interface {
	Broadcast(evt MilestoneReached)
}

// BroadcastFunc adapts a function to the Broadcaster interface.
type BroadcastFunc func(evt MilestoneReached)

// Broadcast calls f(evt).
func (f BroadcastFunc) Broadcast(evt MilestoneReached) {
	f(evt)
}

// Func wraps fn as an Observer. The returned value is comparable by identity,
// so callers keep it to pass to RemoveObserver later.
func Func(fn func(MilestoneReached) error) Observer {
	return &funcObserver{fn: fn}
}

type funcObserver struct {
	fn func(MilestoneReached) error
}

func (o *funcObserver) Notify(evt MilestoneReached) error {
	if o.fn == nil {
		return nil
	}
	return o.fn(evt)
}

// ObserverError records an observer that failed while handling evt.
type ObserverError struct {
	Event MilestoneReached
	Err   error
	Panic any
}

func (e *ObserverError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("observer panicked at %v%%: %v", e.Event.Percentage, e.Panic)
	}
	return fmt.Sprintf("observer failed at %v%%: %v", e.Event.Percentage, e.Err)
}

func (e *ObserverError) Unwrap() error {
	return e.Err
}

// sameObserver reports identity equality without panicking on
// uncomparable dynamic types.
func sameObserver(a, b Observer) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ta := reflect.TypeOf(a)
	if ta != reflect.TypeOf(b) || !ta.Comparable() {
		return false
	}
	return a == b
}
