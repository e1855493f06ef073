// Package filter collapses a job's ordered event stream into its current
// derived status. The derived state is never stored: the daemon recomputes
// it from the event log (plus the clock, for running jobs) whenever it is
// needed, so the log remains the single source of truth.
package filter

import (
	"time"

	"github.com/manugarri/crab/internal/store"
)

// State is a job's derived status.
type State string

const (
	StateUnknown State = "UNKNOWN"
	StateRunning State = "RUNNING"
	StateOK      State = "OK"
	StateFail    State = "FAIL"
	StateWarn    State = "WARN"
	StateMissed  State = "MISSED"
	StateLate    State = "LATE"
	StateTimeout State = "TIMEOUT"
)

// severityRank orders states for notification matching. Larger is worse.
// UNKNOWN and RUNNING are not alertable and rank below OK.
var severityRank = map[State]int{
	StateUnknown: -1,
	StateRunning: -1,
	StateOK:      0,
	StateWarn:    1,
	StateLate:    2,
	StateMissed:  3,
	StateTimeout: 4,
	StateFail:    5,
}

// Rank returns the severity rank of s; unknown strings rank lowest.
func Rank(s State) int {
	r, ok := severityRank[s]
	if !ok {
		return -1
	}
	return r
}

// ValidSeverity reports whether s names a state usable as a rule's
// minimum severity.
func ValidSeverity(s State) bool {
	_, ok := severityRank[s]
	return ok
}

// historyCount is how many recent terminal results feed the reliability
// percentage.
const historyCount = 10

// Status is the result of reducing a job's event stream.
type Status struct {
	State State

	// LastStart, LastFinish and LastBadFinish are the ids of the most
	// recent events of each kind, 0 when none exists.
	LastStart     int64
	LastFinish    int64
	LastBadFinish int64

	// Streak is the number of consecutive most-recent terminal results
	// equal to StreakState.
	Streak      int
	StreakState State

	// Reliability is the percentage of OK results among the last
	// historyCount terminal results.
	Reliability int
}

// terminalResult maps an event to the state it would impose as the most
// recent event, ignoring running-state considerations. Returns "" for
// events that do not terminate a derivation (START, which Reduce handles
// separately).
func terminalResult(e store.Event) State {
	switch e.Kind {
	case store.EventFinish:
		if e.StatusCode != nil && *e.StatusCode == 0 {
			return StateOK
		}
		return StateFail
	case store.EventMissed:
		return StateMissed
	case store.EventLate:
		return StateLate
	case store.EventTimeout:
		return StateTimeout
	case store.EventWarn, store.EventAlreadyRunning, store.EventInhibited:
		return StateWarn
	case store.EventCouldNotStart:
		return StateFail
	}
	return ""
}

// EventSeverity returns the state an event imposes when it is the most
// recent one, or "" for kinds that carry no severity of their own (START).
func EventSeverity(e store.Event) State {
	return terminalResult(e)
}

// isResult reports whether the state counts as a completed run outcome for
// streak and reliability purposes. LATE and WARN are advisory and do not
// end a run.
func isResult(s State) bool {
	switch s {
	case StateOK, StateFail, StateMissed, StateTimeout:
		return true
	}
	return false
}

// Reduce derives the job status from events, which must be in ascending id
// order. now and timeout decide whether an unfinished START is RUNNING or
// TIMEOUT; timeout <= 0 means a START never times out at read time.
func Reduce(events []store.Event, now time.Time, timeout time.Duration) Status {
	st := Status{State: StateUnknown}

	for _, e := range events {
		switch e.Kind {
		case store.EventStart:
			st.LastStart = e.ID
		case store.EventFinish:
			st.LastFinish = e.ID
			if e.StatusCode == nil || *e.StatusCode != 0 {
				st.LastBadFinish = e.ID
			}
		}
	}

	// Walk the stream newest-first until an event decides the state.
	for i := len(events) - 1; i >= 0; i-- {
		e := events[i]
		if e.Kind == store.EventStart {
			// A START more recent than any FINISH: the job is in flight,
			// or overdue if it has outlived its timeout.
			if timeout > 0 && now.Sub(e.Timestamp) > timeout {
				st.State = StateTimeout
			} else {
				st.State = StateRunning
			}
			break
		}
		if s := terminalResult(e); s != "" {
			st.State = s
			break
		}
	}

	// Streak and reliability over completed run outcomes, newest first.
	var results []State
	for i := len(events) - 1; i >= 0 && len(results) < historyCount; i-- {
		if s := terminalResult(events[i]); isResult(s) {
			results = append(results, s)
		}
	}
	if len(results) > 0 {
		st.StreakState = results[0]
		for _, s := range results {
			if s != st.StreakState {
				break
			}
			st.Streak++
		}
		ok := 0
		for _, s := range results {
			if s == StateOK {
				ok++
			}
		}
		st.Reliability = 100 * ok / len(results)
	}
	return st
}
