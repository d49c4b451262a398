package creditkit_test

import (
	"context"
	"errors"
	"testing"

	"github.com/creditkit/creditkit/pkg/creditkit"
	"github.com/creditkit/creditkit/storage/memory"
)

func newTestLedger(t *testing.T) (*creditkit.Ledger, *memory.Store) {
	t.Helper()
	store := memory.New()
	ledger, err := creditkit.NewLedger(store, creditkit.LedgerConfig{})
	if err != nil {
		t.Fatalf("NewLedger() error = %v", err)
	}
	return ledger, store
}

func TestLedgerGrantAndDebit(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	balance, err := ledger.Grant(ctx, "user1", "api_calls", 1000, "subscription", "sub_1", "evt_1:api_calls")
	if err != nil {
		t.Fatalf("Grant() error = %v", err)
	}
	if balance != 1000 {
		t.Errorf("Grant() balance = %d, want 1000", balance)
	}

	balance, err = ledger.Debit(ctx, "user1", "api_calls", 300, "http", "GET /things", "req-1")
	if err != nil {
		t.Fatalf("Debit() error = %v", err)
	}
	if balance != 700 {
		t.Errorf("Debit() balance = %d, want 700", balance)
	}
}

func TestLedgerIdempotentReplay(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	first, err := ledger.Grant(ctx, "user1", "api_calls", 1000, "subscription", "sub_1", "evt_1:api_calls")
	if err != nil {
		t.Fatalf("Grant() error = %v", err)
	}

	// Redelivery of the same event must return the original outcome.
	replay, err := ledger.Grant(ctx, "user1", "api_calls", 1000, "subscription", "sub_1", "evt_1:api_calls")
	if err != nil {
		t.Fatalf("replayed Grant() error = %v", err)
	}
	if replay != first {
		t.Errorf("replayed Grant() balance = %d, want %d", replay, first)
	}

	balance, err := ledger.GetBalance(ctx, "user1", "api_calls")
	if err != nil {
		t.Fatalf("GetBalance() error = %v", err)
	}
	if balance != 1000 {
		t.Errorf("GetBalance() after replay = %d, want 1000", balance)
	}

	entries, err := ledger.Entries(ctx, "user1", "api_calls", 10)
	if err != nil {
		t.Fatalf("Entries() error = %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("Entries() count after replay = %d, want 1", len(entries))
	}
}

func TestLedgerDebitReplayDoesNotDoubleCharge(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	if _, err := ledger.Grant(ctx, "user1", "api_calls", 100, "subscription", "sub_1", "evt_1:api_calls"); err != nil {
		t.Fatalf("Grant() error = %v", err)
	}
	first, err := ledger.Debit(ctx, "user1", "api_calls", 40, "http", "POST /run", "req-abc")
	if err != nil {
		t.Fatalf("Debit() error = %v", err)
	}
	replay, err := ledger.Debit(ctx, "user1", "api_calls", 40, "http", "POST /run", "req-abc")
	if err != nil {
		t.Fatalf("replayed Debit() error = %v", err)
	}
	if replay != first {
		t.Errorf("replayed Debit() balance = %d, want %d", replay, first)
	}

	balance, _ := ledger.GetBalance(ctx, "user1", "api_calls")
	if balance != 60 {
		t.Errorf("balance after replayed debit = %d, want 60", balance)
	}
}

func TestLedgerInsufficientBalance(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	if _, err := ledger.Grant(ctx, "user1", "api_calls", 50, "subscription", "sub_1", "evt_1:api_calls"); err != nil {
		t.Fatalf("Grant() error = %v", err)
	}

	_, err := ledger.Debit(ctx, "user1", "api_calls", 51, "http", "GET /things", "req-1")
	if !errors.Is(err, creditkit.ErrInsufficientBalance) {
		t.Fatalf("Debit() error = %v, want ErrInsufficientBalance", err)
	}

	// A failed debit must not move the balance.
	balance, err := ledger.GetBalance(ctx, "user1", "api_calls")
	if err != nil {
		t.Fatalf("GetBalance() error = %v", err)
	}
	if balance != 50 {
		t.Errorf("balance after failed debit = %d, want 50", balance)
	}
}

func TestLedgerDebitUnknownUser(t *testing.T) {
	ledger, _ := newTestLedger(t)

	_, err := ledger.Debit(context.Background(), "ghost", "api_calls", 1, "http", "GET /", "req-1")
	if !errors.Is(err, creditkit.ErrInsufficientBalance) {
		t.Errorf("Debit() on empty history error = %v, want ErrInsufficientBalance", err)
	}
}

func TestLedgerRefund(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	if _, err := ledger.Grant(ctx, "user1", "api_calls", 100, "subscription", "sub_1", "evt_1:api_calls"); err != nil {
		t.Fatalf("Grant() error = %v", err)
	}
	if _, err := ledger.Debit(ctx, "user1", "api_calls", 30, "http", "POST /run", "req-1"); err != nil {
		t.Fatalf("Debit() error = %v", err)
	}

	balance, err := ledger.Refund(ctx, "user1", "api_calls", 30, "http", "POST /run", "refund:req-1")
	if err != nil {
		t.Fatalf("Refund() error = %v", err)
	}
	if balance != 100 {
		t.Errorf("Refund() balance = %d, want 100", balance)
	}

	entries, err := ledger.Entries(ctx, "user1", "api_calls", 10)
	if err != nil {
		t.Fatalf("Entries() error = %v", err)
	}
	// Refund appends a compensating entry, it never rewrites the debit.
	if len(entries) != 3 {
		t.Fatalf("Entries() count = %d, want 3", len(entries))
	}
	if entries[0].Type != creditkit.TxRefund {
		t.Errorf("newest entry type = %s, want %s", entries[0].Type, creditkit.TxRefund)
	}
}

func TestLedgerSetBalance(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	if _, err := ledger.Grant(ctx, "user1", "api_calls", 700, "subscription", "sub_1", "evt_1:api_calls"); err != nil {
		t.Fatalf("Grant() error = %v", err)
	}

	balance, err := ledger.SetBalance(ctx, "user1", "api_calls", 1000, "subscription", "sub_1", "evt_2:api_calls")
	if err != nil {
		t.Fatalf("SetBalance() error = %v", err)
	}
	if balance != 1000 {
		t.Errorf("SetBalance() balance = %d, want 1000", balance)
	}

	entries, err := ledger.Entries(ctx, "user1", "api_calls", 10)
	if err != nil {
		t.Fatalf("Entries() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Entries() count = %d, want 2", len(entries))
	}
	// The reset is recorded as the signed delta against the live balance.
	if entries[0].Amount != 300 {
		t.Errorf("reset entry amount = %d, want 300", entries[0].Amount)
	}
	if entries[0].BalanceAfter != 1000 {
		t.Errorf("reset entry balance_after = %d, want 1000", entries[0].BalanceAfter)
	}
}

func TestLedgerSetBalanceReplay(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	if _, err := ledger.SetBalance(ctx, "user1", "api_calls", 1000, "subscription", "sub_1", "evt_1:api_calls"); err != nil {
		t.Fatalf("SetBalance() error = %v", err)
	}
	if _, err := ledger.Debit(ctx, "user1", "api_calls", 400, "http", "POST /run", "req-1"); err != nil {
		t.Fatalf("Debit() error = %v", err)
	}

	// Replaying the reset event must not clobber the spend that happened
	// after the first delivery.
	balance, err := ledger.SetBalance(ctx, "user1", "api_calls", 1000, "subscription", "sub_1", "evt_1:api_calls")
	if err != nil {
		t.Fatalf("replayed SetBalance() error = %v", err)
	}
	if balance != 1000 {
		t.Errorf("replayed SetBalance() returned %d, want original outcome 1000", balance)
	}

	live, _ := ledger.GetBalance(ctx, "user1", "api_calls")
	if live != 600 {
		t.Errorf("live balance after replay = %d, want 600", live)
	}
}

func TestLedgerValidation(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	tests := []struct {
		name string
		fn   func() error
		want error
	}{
		{
			name: "empty user id",
			fn: func() error {
				_, err := ledger.Grant(ctx, "", "api_calls", 10, "s", "s1", "k1")
				return err
			},
			want: creditkit.ErrValidation,
		},
		{
			name: "empty key",
			fn: func() error {
				_, err := ledger.Grant(ctx, "user1", "", 10, "s", "s1", "k1")
				return err
			},
			want: creditkit.ErrValidation,
		},
		{
			name: "empty idempotency key",
			fn: func() error {
				_, err := ledger.Grant(ctx, "user1", "api_calls", 10, "s", "s1", "")
				return err
			},
			want: creditkit.ErrValidation,
		},
		{
			name: "zero amount grant",
			fn: func() error {
				_, err := ledger.Grant(ctx, "user1", "api_calls", 0, "s", "s1", "k1")
				return err
			},
			want: creditkit.ErrInvalidAmount,
		},
		{
			name: "negative grant",
			fn: func() error {
				_, err := ledger.Grant(ctx, "user1", "api_calls", -5, "s", "s1", "k1")
				return err
			},
			want: creditkit.ErrInvalidAmount,
		},
		{
			name: "zero debit",
			fn: func() error {
				_, err := ledger.Debit(ctx, "user1", "api_calls", 0, "s", "s1", "k1")
				return err
			},
			want: creditkit.ErrInvalidAmount,
		},
		{
			name: "negative set balance",
			fn: func() error {
				_, err := ledger.SetBalance(ctx, "user1", "api_calls", -1, "s", "s1", "k1")
				return err
			},
			want: creditkit.ErrInvalidAmount,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.fn(); !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestLedgerEntriesOrderAndLimit(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	if _, err := ledger.Grant(ctx, "user1", "api_calls", 100, "subscription", "sub_1", "evt_1:api_calls"); err != nil {
		t.Fatalf("Grant() error = %v", err)
	}
	for _, key := range []string{"req-1", "req-2", "req-3"} {
		if _, err := ledger.Debit(ctx, "user1", "api_calls", 10, "http", "GET /things", key); err != nil {
			t.Fatalf("Debit(%s) error = %v", key, err)
		}
	}

	entries, err := ledger.Entries(ctx, "user1", "api_calls", 2)
	if err != nil {
		t.Fatalf("Entries() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Entries() count = %d, want 2", len(entries))
	}
	if entries[0].ID <= entries[1].ID {
		t.Errorf("Entries() not newest first: ids %d, %d", entries[0].ID, entries[1].ID)
	}
	if entries[0].IdempotencyKey != "req-3" {
		t.Errorf("newest entry idempotency key = %s, want req-3", entries[0].IdempotencyKey)
	}
}

func TestNewLedgerRequiresStorage(t *testing.T) {
	_, err := creditkit.NewLedger(nil, creditkit.LedgerConfig{})
	if !errors.Is(err, creditkit.ErrStorageUnavailable) {
		t.Errorf("NewLedger(nil) error = %v, want ErrStorageUnavailable", err)
	}
}
