// Package memory provides an in-memory implementation of the creditkit.Store
// interface. This implementation is primarily intended for testing and
// development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/creditkit/creditkit/pkg/creditkit"
)

// Store implements creditkit.Store using in-memory maps.
type Store struct {
	mu sync.Mutex

	balances map[string]int64
	entries  []creditkit.LedgerEntry
	byIdem   map[string]int // idempotency key -> index into entries

	subscriptions  map[string]*creditkit.Subscription
	userToCustomer map[string]string
	customerToUser map[string]string

	usage          []creditkit.UsageEvent
	meterEventIDs  map[string]bool
	overageCharges map[string]bool

	failures map[string]*creditkit.TopupFailure
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		balances:       make(map[string]int64),
		byIdem:         make(map[string]int),
		subscriptions:  make(map[string]*creditkit.Subscription),
		userToCustomer: make(map[string]string),
		customerToUser: make(map[string]string),
		meterEventIDs:  make(map[string]bool),
		overageCharges: make(map[string]bool),
		failures:       make(map[string]*creditkit.TopupFailure),
	}
}

// ApplyEntry implements creditkit.Store.
func (s *Store) ApplyEntry(ctx context.Context, req *creditkit.EntryRequest) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if idx, ok := s.byIdem[req.IdempotencyKey]; ok {
		// Replayed write - return the previously committed balance.
		return s.entries[idx].BalanceAfter, nil
	}

	key := balanceKey(req.UserID, req.Key)
	balance := s.balances[key] + req.Amount
	if balance < 0 {
		return s.balances[key], creditkit.ErrInsufficientBalance
	}

	s.insertEntry(creditkit.LedgerEntry{
		UserID:         req.UserID,
		Key:            req.Key,
		Amount:         req.Amount,
		BalanceAfter:   balance,
		Type:           req.Type,
		Source:         req.Source,
		SourceID:       req.SourceID,
		IdempotencyKey: req.IdempotencyKey,
	})
	s.balances[key] = balance
	return balance, nil
}

// SetBalance implements creditkit.Store.
func (s *Store) SetBalance(ctx context.Context, req *creditkit.SetBalanceRequest) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if idx, ok := s.byIdem[req.IdempotencyKey]; ok {
		return s.entries[idx].BalanceAfter, nil
	}

	key := balanceKey(req.UserID, req.Key)
	delta := req.Value - s.balances[key]

	s.insertEntry(creditkit.LedgerEntry{
		UserID:         req.UserID,
		Key:            req.Key,
		Amount:         delta,
		BalanceAfter:   req.Value,
		Type:           req.Type,
		Source:         req.Source,
		SourceID:       req.SourceID,
		IdempotencyKey: req.IdempotencyKey,
	})
	s.balances[key] = req.Value
	return req.Value, nil
}

func (s *Store) insertEntry(entry creditkit.LedgerEntry) {
	entry.ID = int64(len(s.entries) + 1)
	entry.CreatedAt = time.Now().UTC()
	s.entries = append(s.entries, entry)
	s.byIdem[entry.IdempotencyKey] = len(s.entries) - 1
}

// GetBalance implements creditkit.Store.
func (s *Store) GetBalance(ctx context.Context, userID, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[balanceKey(userID, key)], nil
}

// Entries implements creditkit.Store.
func (s *Store) Entries(ctx context.Context, userID, key string, limit int) ([]creditkit.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []creditkit.LedgerEntry
	for i := len(s.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if s.entries[i].UserID == userID && s.entries[i].Key == key {
			out = append(out, s.entries[i])
		}
	}
	return out, nil
}

// GetSubscription implements creditkit.Store.
func (s *Store) GetSubscription(ctx context.Context, id string) (*creditkit.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subscriptions[id]
	if !ok {
		return nil, creditkit.ErrSubscriptionNotFound
	}
	subCopy := *sub
	return &subCopy, nil
}

// PutSubscription implements creditkit.Store.
func (s *Store) PutSubscription(ctx context.Context, sub *creditkit.Subscription) error {
	if sub == nil || sub.ID == "" {
		return fmt.Errorf("%w: subscription id is required", creditkit.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	subCopy := *sub
	subCopy.UpdatedAt = time.Now().UTC()
	s.subscriptions[sub.ID] = &subCopy
	return nil
}

// MapUserCustomer implements creditkit.Store.
func (s *Store) MapUserCustomer(ctx context.Context, userID, customerID string) error {
	if userID == "" || customerID == "" {
		return fmt.Errorf("%w: user id and customer id are required", creditkit.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.userToCustomer[userID] = customerID
	s.customerToUser[customerID] = userID
	return nil
}

// UserForCustomer implements creditkit.Store.
func (s *Store) UserForCustomer(ctx context.Context, customerID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	userID, ok := s.customerToUser[customerID]
	if !ok {
		return "", creditkit.ErrUserMappingNotFound
	}
	return userID, nil
}

// CustomerForUser implements creditkit.Store.
func (s *Store) CustomerForUser(ctx context.Context, userID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	customerID, ok := s.userToCustomer[userID]
	if !ok {
		return "", creditkit.ErrUserMappingNotFound
	}
	return customerID, nil
}

// InsertUsageEvent implements creditkit.Store.
func (s *Store) InsertUsageEvent(ctx context.Context, ev *creditkit.UsageEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.meterEventIDs[ev.MeterEventID] {
		return nil // Duplicate meter event - no-op
	}
	s.meterEventIDs[ev.MeterEventID] = true
	s.usage = append(s.usage, *ev)
	return nil
}

// UsageTotal implements creditkit.Store.
func (s *Store) UsageTotal(ctx context.Context, userID, key string, period creditkit.Period) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total int64
	for _, ev := range s.usage {
		if ev.UserID == userID && ev.Key == key && period.Contains(ev.PeriodStart) {
			total += ev.Amount
		}
	}
	return total, nil
}

// MarkOverageCharged implements creditkit.Store.
func (s *Store) MarkOverageCharged(ctx context.Context, userID, key string, period creditkit.Period) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := overageKey(userID, key, period)
	if s.overageCharges[k] {
		return false, nil
	}
	s.overageCharges[k] = true
	return true, nil
}

// RecordTopupFailure implements creditkit.Store.
func (s *Store) RecordTopupFailure(ctx context.Context, userID, key, paymentMethodID string,
	declineType creditkit.DeclineType, declineCode string, at time.Time, disable bool) (*creditkit.TopupFailure, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := failureKey(userID, key, paymentMethodID)
	failure, ok := s.failures[k]
	if !ok {
		failure = &creditkit.TopupFailure{
			UserID:          userID,
			Key:             key,
			PaymentMethodID: paymentMethodID,
		}
		s.failures[k] = failure
	}

	failure.FailureCount++
	failure.DeclineType = declineType
	failure.DeclineCode = declineCode
	failure.LastFailureAt = at
	if disable {
		failure.Disabled = true
	}

	failureCopy := *failure
	return &failureCopy, nil
}

// GetTopupFailure implements creditkit.Store.
func (s *Store) GetTopupFailure(ctx context.Context, userID, key, paymentMethodID string) (*creditkit.TopupFailure, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	failure, ok := s.failures[failureKey(userID, key, paymentMethodID)]
	if !ok {
		return nil, nil // No failure history is not an error
	}
	failureCopy := *failure
	return &failureCopy, nil
}

// ClearTopupFailure implements creditkit.Store.
func (s *Store) ClearTopupFailure(ctx context.Context, userID, key, paymentMethodID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.failures, failureKey(userID, key, paymentMethodID))
	return nil
}

// Subscriptions returns all stored subscriptions, for diagnostics.
func (s *Store) Subscriptions() []creditkit.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]creditkit.Subscription, 0, len(s.subscriptions))
	for _, sub := range s.subscriptions {
		out = append(out, *sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func balanceKey(userID, key string) string {
	return userID + ":" + key
}

func overageKey(userID, key string, period creditkit.Period) string {
	return fmt.Sprintf("%s:%s:%d", userID, key, period.Start.UTC().Unix())
}

func failureKey(userID, key, paymentMethodID string) string {
	return userID + ":" + key + ":" + paymentMethodID
}
