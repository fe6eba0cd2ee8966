package payment

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestGenerateSchedule(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rent := decimal.RequireFromString("1.0")

	got := GenerateSchedule(start, 3, rent)
	if len(got) != 3 {
		t.Fatalf("expected 3 payments, got %d", len(got))
	}

	wantDue := []time.Time{
		time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC),
	}
	for i, p := range got {
		if p.Index != i {
			t.Errorf("payment %d: index %d", i, p.Index)
		}
		if !p.DueDate.Equal(wantDue[i]) {
			t.Errorf("payment %d: due %s, want %s", i, p.DueDate, wantDue[i])
		}
		if !p.Amount.Equal(rent) {
			t.Errorf("payment %d: amount %s", i, p.Amount)
		}
		if !p.Penalty.IsZero() {
			t.Errorf("payment %d: penalty %s", i, p.Penalty)
		}
		if p.Status != StatusPending {
			t.Errorf("payment %d: status %s", i, p.Status)
		}
		if p.TransactionHash != nil || p.PaidAt != nil {
			t.Errorf("payment %d: unexpected settlement", i)
		}
	}
}

func TestGenerateSchedule_Deterministic(t *testing.T) {
	start := time.Date(2023, 6, 15, 10, 30, 0, 0, time.UTC)
	a := GenerateSchedule(start, 12, decimal.NewFromInt(2))
	b := GenerateSchedule(start, 12, decimal.NewFromInt(2))
	for i := range a {
		if !a[i].DueDate.Equal(b[i].DueDate) || a[i].Index != b[i].Index {
			t.Fatalf("payment %d differs between runs", i)
		}
	}
	if !a[11].DueDate.Equal(time.Date(2024, 6, 15, 10, 30, 0, 0, time.UTC)) {
		t.Errorf("last payment due %s", a[11].DueDate)
	}
}

func TestGenerateSchedule_NonPositive(t *testing.T) {
	if got := GenerateSchedule(time.Now(), 0, decimal.NewFromInt(1)); len(got) != 0 {
		t.Errorf("expected empty schedule, got %d", len(got))
	}
}
