package dispute

import (
	"errors"
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	allowed := map[[2]Status]bool{
		{StatusOpen, StatusInReview}:     true,
		{StatusOpen, StatusResolved}:     true,
		{StatusOpen, StatusRejected}:     true,
		{StatusInReview, StatusResolved}: true,
		{StatusInReview, StatusRejected}: true,
	}
	all := []Status{StatusOpen, StatusInReview, StatusResolved, StatusRejected}
	for _, from := range all {
		for _, to := range all {
			if got := CanTransition(from, to); got != allowed[[2]Status{from, to}] {
				t.Errorf("%s -> %s: got %v", from, to, got)
			}
		}
	}
}

func TestResolve_Twice(t *testing.T) {
	d := Dispute{Status: StatusInReview}
	if err := Resolve(&d, "refund deposit", "landlord-1", time.Now()); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if d.Status != StatusResolved || d.ResolvedBy == nil || *d.ResolvedBy != "landlord-1" {
		t.Fatalf("unexpected dispute %+v", d)
	}
	if err := Resolve(&d, "again", "tenant-1", time.Now()); !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved, got %v", err)
	}
	if *d.ResolvedBy != "landlord-1" {
		t.Errorf("resolver overwritten")
	}
}

func TestResolve_Rejected(t *testing.T) {
	d := Dispute{Status: StatusRejected}
	if err := Resolve(&d, "late", "landlord-1", time.Now()); !errors.Is(err, ErrBadStatus) {
		t.Fatalf("expected ErrBadStatus, got %v", err)
	}
}

func TestResolveFromLedger_Idempotent(t *testing.T) {
	d := Dispute{Status: StatusOpen}
	at := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)

	if !ResolveFromLedger(&d, "split", nil, at, "0xabc") {
		t.Fatal("expected first resolution to apply")
	}
	if d.ResolvedBy != nil {
		t.Errorf("expected unknown resolver to stay nil")
	}
	if ResolveFromLedger(&d, "other", nil, at.Add(time.Hour), "0xdef") {
		t.Fatal("expected replay to be a no-op")
	}
	if *d.Resolution != "split" || !d.ResolvedAt.Equal(at) {
		t.Errorf("resolution overwritten: %+v", d)
	}
}
