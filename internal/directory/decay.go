package directory

import (
	"time"

	"switchyard/internal/domain"
)

type DecayReport struct {
	Changed bool
	From    domain.Presence
	To      domain.Presence
	Idle    time.Duration
}

// Decay derives presence from lastSeenAt. It does not touch storage.
func Decay(p domain.Program, now time.Time) (domain.Program, DecayReport) {
	report := DecayReport{From: p.Presence}
	next := domain.PresenceOffline
	if seen, err := domain.ParseTime(p.LastSeenAt); err == nil {
		report.Idle = now.Sub(seen)
		switch {
		case report.Idle < OnlineWindow:
			next = domain.PresenceOnline
		case report.Idle < IdleWindow:
			next = domain.PresenceIdle
		}
	}
	report.To = next
	report.Changed = p.Presence != next
	p.Presence = next
	return p, report
}
