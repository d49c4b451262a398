package creditkit_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/creditkit/creditkit/pkg/creditkit"
	"github.com/creditkit/creditkit/storage/memory"
)

func newTestTracker(t *testing.T, now *time.Time) (*creditkit.FailureTracker, *memory.Store) {
	t.Helper()
	store := memory.New()
	tracker, err := creditkit.NewFailureTracker(creditkit.TrackerConfig{
		Storage: store,
		Now:     func() time.Time { return *now },
	})
	if err != nil {
		t.Fatalf("NewFailureTracker() error = %v", err)
	}
	return tracker, store
}

func TestClassifyDecline(t *testing.T) {
	tests := []struct {
		code string
		want creditkit.DeclineType
	}{
		{"stolen_card", creditkit.DeclinePermanent},
		{"lost_card", creditkit.DeclinePermanent},
		{"fraudulent", creditkit.DeclinePermanent},
		{"expired_card", creditkit.DeclinePermanent},
		{"insufficient_funds", creditkit.DeclineTransient},
		{"do_not_honor", creditkit.DeclineTransient},
		{"processing_error", creditkit.DeclineTransient},
		{"", creditkit.DeclineTransient},
	}
	for _, tt := range tests {
		if got := creditkit.ClassifyDecline(tt.code); got != tt.want {
			t.Errorf("ClassifyDecline(%q) = %s, want %s", tt.code, got, tt.want)
		}
	}
}

func TestCooldownDoubles(t *testing.T) {
	now := time.Now()
	tracker, _ := newTestTracker(t, &now)

	tests := []struct {
		failures int
		want     time.Duration
	}{
		{0, 0},
		{1, time.Hour},
		{2, 2 * time.Hour},
		{3, 4 * time.Hour},
		{5, 16 * time.Hour},
		{10, 7 * 24 * time.Hour},  // capped
		{100, 7 * 24 * time.Hour}, // no overflow past the cap
	}
	for _, tt := range tests {
		if got := tracker.Cooldown(tt.failures); got != tt.want {
			t.Errorf("Cooldown(%d) = %s, want %s", tt.failures, got, tt.want)
		}
	}
}

func TestTransientDeclineSuppression(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tracker, _ := newTestTracker(t, &now)
	ctx := context.Background()

	failure, err := tracker.RecordFailure(ctx, "user1", "api_calls", "pm_1", "insufficient_funds")
	if err != nil {
		t.Fatalf("RecordFailure() error = %v", err)
	}
	if failure.FailureCount != 1 {
		t.Errorf("failure count = %d, want 1", failure.FailureCount)
	}
	if failure.Disabled {
		t.Error("transient decline must not disable the payment method")
	}

	suppressed, err := tracker.IsSuppressed(ctx, "user1", "api_calls", "pm_1")
	if err != nil {
		t.Fatalf("IsSuppressed() error = %v", err)
	}
	if !suppressed {
		t.Error("retry inside the cooldown window was not suppressed")
	}

	// Just before the cooldown elapses: still suppressed.
	now = now.Add(time.Hour - time.Second)
	if suppressed, _ = tracker.IsSuppressed(ctx, "user1", "api_calls", "pm_1"); !suppressed {
		t.Error("retry just before cooldown expiry was not suppressed")
	}

	// At the cooldown boundary: allowed again.
	now = now.Add(time.Second)
	if suppressed, _ = tracker.IsSuppressed(ctx, "user1", "api_calls", "pm_1"); suppressed {
		t.Error("retry after cooldown expiry was suppressed")
	}
}

func TestRepeatedDeclinesExtendCooldown(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tracker, _ := newTestTracker(t, &now)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := tracker.RecordFailure(ctx, "user1", "api_calls", "pm_1", "do_not_honor"); err != nil {
			t.Fatalf("RecordFailure() error = %v", err)
		}
	}

	// Three declines: 4h cooldown from the last failure.
	now = now.Add(3 * time.Hour)
	if suppressed, _ := tracker.IsSuppressed(ctx, "user1", "api_calls", "pm_1"); !suppressed {
		t.Error("retry inside extended cooldown was not suppressed")
	}
	now = now.Add(time.Hour)
	if suppressed, _ := tracker.IsSuppressed(ctx, "user1", "api_calls", "pm_1"); suppressed {
		t.Error("retry after extended cooldown was suppressed")
	}
}

func TestPermanentDeclineLatches(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tracker, _ := newTestTracker(t, &now)
	ctx := context.Background()

	failure, err := tracker.RecordFailure(ctx, "user1", "api_calls", "pm_1", "stolen_card")
	if err != nil {
		t.Fatalf("RecordFailure() error = %v", err)
	}
	if !failure.Disabled {
		t.Fatal("permanent decline did not disable the payment method")
	}

	// No amount of waiting clears a permanent decline.
	now = now.Add(365 * 24 * time.Hour)
	suppressed, err := tracker.IsSuppressed(ctx, "user1", "api_calls", "pm_1")
	if err != nil {
		t.Fatalf("IsSuppressed() error = %v", err)
	}
	if !suppressed {
		t.Error("permanently disabled payment method was not suppressed")
	}

	// A later transient decline must not un-latch it.
	if _, err := tracker.RecordFailure(ctx, "user1", "api_calls", "pm_1", "insufficient_funds"); err != nil {
		t.Fatalf("RecordFailure() error = %v", err)
	}
	if suppressed, _ = tracker.IsSuppressed(ctx, "user1", "api_calls", "pm_1"); !suppressed {
		t.Error("transient decline un-latched a permanent disable")
	}
}

func TestClearFailuresResetsHistory(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tracker, _ := newTestTracker(t, &now)
	ctx := context.Background()

	if _, err := tracker.RecordFailure(ctx, "user1", "api_calls", "pm_1", "insufficient_funds"); err != nil {
		t.Fatalf("RecordFailure() error = %v", err)
	}
	if err := tracker.ClearFailures(ctx, "user1", "api_calls", "pm_1"); err != nil {
		t.Fatalf("ClearFailures() error = %v", err)
	}

	suppressed, err := tracker.IsSuppressed(ctx, "user1", "api_calls", "pm_1")
	if err != nil {
		t.Fatalf("IsSuppressed() error = %v", err)
	}
	if suppressed {
		t.Error("cleared history still suppresses retries")
	}

	// History restarts from one after a clear.
	failure, err := tracker.RecordFailure(ctx, "user1", "api_calls", "pm_1", "insufficient_funds")
	if err != nil {
		t.Fatalf("RecordFailure() error = %v", err)
	}
	if failure.FailureCount != 1 {
		t.Errorf("failure count after clear = %d, want 1", failure.FailureCount)
	}
}

func TestFailuresScopedByPaymentMethod(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tracker, _ := newTestTracker(t, &now)
	ctx := context.Background()

	if _, err := tracker.RecordFailure(ctx, "user1", "api_calls", "pm_1", "stolen_card"); err != nil {
		t.Fatalf("RecordFailure() error = %v", err)
	}

	// A different card for the same user is unaffected.
	suppressed, err := tracker.IsSuppressed(ctx, "user1", "api_calls", "pm_2")
	if err != nil {
		t.Fatalf("IsSuppressed() error = %v", err)
	}
	if suppressed {
		t.Error("unrelated payment method was suppressed")
	}
}

func TestRecordFailureValidation(t *testing.T) {
	now := time.Now()
	tracker, _ := newTestTracker(t, &now)

	if _, err := tracker.RecordFailure(context.Background(), "", "api_calls", "pm_1", "x"); !errors.Is(err, creditkit.ErrValidation) {
		t.Errorf("RecordFailure() empty user error = %v, want ErrValidation", err)
	}
}
