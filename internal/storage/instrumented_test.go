package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/Million1701/Lulutracker-sub000/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestStoreOperationsAreCounted(t *testing.T) {
	m := metrics.NewMetrics()
	count := func(op, status string) float64 {
		return testutil.ToFloat64(m.StorageOperationTotal.WithLabelValues(op, status))
	}
	ctx := context.Background()
	s := NewMemory(nil)

	createdBefore := count("create_pet", "success")
	rejectedBefore := count("get_pet", "rejected")
	countBefore := count("count_unread", "success")

	seedPet(t, s, "p1", "owner")
	if _, err := s.GetPet(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetPet() error = %v, want ErrNotFound", err)
	}
	if _, err := s.CountUnread(ctx, "owner"); err != nil {
		t.Fatal(err)
	}

	if got := count("create_pet", "success") - createdBefore; got != 1 {
		t.Errorf("create_pet success = %v, want 1", got)
	}
	if got := count("get_pet", "rejected") - rejectedBefore; got != 1 {
		t.Errorf("get_pet rejected = %v, want 1", got)
	}
	if got := count("count_unread", "success") - countBefore; got != 1 {
		t.Errorf("count_unread success = %v, want 1", got)
	}
}

func TestOperationStatus(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "success"},
		{ErrForbidden, "rejected"},
		{errors.Join(errors.New("lookup"), ErrNotFound), "rejected"},
		{errors.New("connection reset"), "error"},
	}
	for _, tt := range tests {
		if got := operationStatus(tt.err); got != tt.want {
			t.Errorf("operationStatus(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}
