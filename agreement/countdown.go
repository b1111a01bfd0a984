package agreement

import "time"

// Countdown renders the time left in the current stage for observers.
type Countdown struct {
	Hours   int `json:"hours"`
	Minutes int `json:"minutes"`
	Seconds int `json:"seconds"`
}

// Remaining computes the countdown to the stage deadline. Terminal agreements
// and agreements past their deadline report zero.
func (r Record) Remaining(now time.Time) Countdown {
	if r.ExpiresAt == nil || r.Status.Terminal() {
		return Countdown{}
	}
	left := r.ExpiresAt.Sub(now)
	if left <= 0 {
		return Countdown{}
	}
	total := int(left / time.Second)
	return Countdown{
		Hours:   total / 3600,
		Minutes: (total % 3600) / 60,
		Seconds: total % 60,
	}
}

// ExpiredAt reports whether the stage deadline has passed for a non-terminal
// agreement. Once true the agreement is read-only for user actions until the
// sweep marks it expired.
func (r Record) ExpiredAt(now time.Time) bool {
	if r.Status.Terminal() || r.ExpiresAt == nil {
		return false
	}
	return !now.Before(*r.ExpiresAt)
}
