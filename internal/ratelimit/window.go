// Package ratelimit admits or rejects calls per client key using fixed
// minute and hour windows held in a pluggable Store.
package ratelimit

import "time"

// Window durations.
const (
	MinuteWindow = time.Minute
	HourWindow   = time.Hour
)

// Window counts admissions until ResetAt.
type Window struct {
	ResetAt time.Time `json:"resetAt"`
	Count   int       `json:"count"`
}

// expired reports whether the window must be replaced at now.
func (w Window) expired(now time.Time) bool {
	return !now.Before(w.ResetAt)
}

// Entry is the state kept per client key.
type Entry struct {
	Minute Window `json:"minute"`
	Hour   Window `json:"hour"`
}

func newEntry(now time.Time) Entry {
	return Entry{
		Minute: Window{ResetAt: now.Add(MinuteWindow)},
		Hour:   Window{ResetAt: now.Add(HourWindow)},
	}
}

// Expired reports whether both windows have passed, making the entry safe
// to evict.
func (e Entry) Expired(now time.Time) bool {
	return e.Minute.ResetAt.Before(now) && e.Hour.ResetAt.Before(now)
}
