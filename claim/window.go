package claim

import "time"

// WindowDuration is how long after tenancy end the landlord may raise claims.
const WindowDuration = 7 * 24 * time.Hour

// InspectionWindow is the half-open interval [lease end, lease end + 7 days)
// during which claims may be submitted. It is derived, never stored.
type InspectionWindow struct {
	Start time.Time
	End   time.Time
}

// WindowFor computes the inspection window for a tenancy ending at leaseEnd.
func WindowFor(leaseEnd time.Time) InspectionWindow {
	return InspectionWindow{Start: leaseEnd, End: leaseEnd.Add(WindowDuration)}
}

// Open reports whether now falls inside the window.
func (w InspectionWindow) Open(now time.Time) bool {
	return !now.Before(w.Start) && now.Before(w.End)
}

// Closed reports whether the window has ended.
func (w InspectionWindow) Closed(now time.Time) bool {
	return !now.Before(w.End)
}

// VisibleToTenant is the read-time policy for claim line items: a claim is
// hidden from the tenant until it has been formally surfaced to them
// (tenant_notified or beyond) or the inspection window has closed.
func VisibleToTenant(rec Record, w InspectionWindow, now time.Time) bool {
	if rec.Status != StatusSubmitted {
		return true
	}
	return w.Closed(now)
}
