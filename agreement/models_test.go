package agreement

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func ts(t time.Time) *time.Time { return &t }

func TestCountdownRemaining(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := Record{
		Status:    StatusPendingSignatures,
		ExpiresAt: ts(now.Add(25*time.Hour + 30*time.Minute + 5*time.Second)),
	}

	got := rec.Remaining(now)
	want := Countdown{Hours: 25, Minutes: 30, Seconds: 5}
	if got != want {
		t.Errorf("Remaining = %+v, want %+v", got, want)
	}
}

func TestCountdownZeroPastDeadline(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := Record{
		Status:    StatusPendingPayment,
		ExpiresAt: ts(now.Add(-time.Second)),
	}
	if got := rec.Remaining(now); got != (Countdown{}) {
		t.Errorf("Remaining past deadline = %+v, want zero", got)
	}

	rec.ExpiresAt = ts(now)
	if got := rec.Remaining(now); got != (Countdown{}) {
		t.Errorf("Remaining at exact deadline = %+v, want zero", got)
	}
}

func TestCountdownTerminalStatus(t *testing.T) {
	now := time.Now()
	rec := Record{
		Status:    StatusActive,
		ExpiresAt: ts(now.Add(time.Hour)),
	}
	if got := rec.Remaining(now); got != (Countdown{}) {
		t.Errorf("Remaining for terminal agreement = %+v, want zero", got)
	}
}

func TestExpiredAt(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	rec := Record{Status: StatusPendingSignatures, ExpiresAt: ts(now.Add(time.Minute))}
	if rec.ExpiredAt(now) {
		t.Error("future deadline reported expired")
	}

	rec.ExpiresAt = ts(now)
	if !rec.ExpiredAt(now) {
		t.Error("deadline boundary should count as expired")
	}

	rec = Record{Status: StatusActive, ExpiresAt: ts(now.Add(-time.Hour))}
	if rec.ExpiredAt(now) {
		t.Error("terminal agreement reported expired")
	}

	rec = Record{Status: StatusPendingSignatures}
	if rec.ExpiredAt(now) {
		t.Error("agreement without a deadline reported expired")
	}
}

func TestWithdrawPredicates(t *testing.T) {
	now := time.Now()

	fresh := Record{Status: StatusPendingSignatures}
	if !fresh.CanWithdrawOffer() || !fresh.CanWithdrawSignature() {
		t.Error("unsigned agreement should allow both withdrawals")
	}

	tenantSigned := Record{Status: StatusPendingSignatures, TenantSignedAt: ts(now)}
	if tenantSigned.CanWithdrawOffer() {
		t.Error("landlord cannot withdraw after tenant signed")
	}
	if !tenantSigned.CanWithdrawSignature() {
		t.Error("tenant may withdraw their own signature")
	}

	landlordSigned := Record{Status: StatusPendingSignatures, LandlordSignedAt: ts(now)}
	if !landlordSigned.CanWithdrawOffer() {
		t.Error("landlord may withdraw their own offer")
	}
	if landlordSigned.CanWithdrawSignature() {
		t.Error("tenant cannot withdraw after landlord signed")
	}

	advanced := Record{Status: StatusPendingPayment, LandlordSignedAt: ts(now), TenantSignedAt: ts(now)}
	if advanced.CanWithdrawOffer() || advanced.CanWithdrawSignature() {
		t.Error("no withdrawal once both parties signed")
	}
}

func TestDepositTotal(t *testing.T) {
	rec := Record{MonthlyRent: decimal.RequireFromString("2000.00")}
	if got := rec.DepositTotal(); !got.Equal(decimal.RequireFromString("5000.00")) {
		t.Errorf("DepositTotal = %s, want 5000.00", got)
	}

	rec = Record{MonthlyRent: decimal.RequireFromString("1333.33")}
	if got := rec.DepositTotal(); !got.Equal(decimal.RequireFromString("3333.33")) {
		t.Errorf("DepositTotal = %s, want 3333.33", got)
	}
}

func TestSignedByAndPartyID(t *testing.T) {
	now := time.Now()
	rec := Record{LandlordID: "ll-1", TenantID: "tn-1", LandlordSignedAt: ts(now)}

	if !rec.SignedBy(PartyLandlord) {
		t.Error("landlord signature not reported")
	}
	if rec.SignedBy(PartyTenant) {
		t.Error("tenant signature reported without signing")
	}
	if rec.PartyID(PartyLandlord) != "ll-1" || rec.PartyID(PartyTenant) != "tn-1" {
		t.Error("PartyID resolved the wrong ids")
	}
}
