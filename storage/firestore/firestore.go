// Package firestore provides a Firestore implementation of the
// creditkit.Store interface.
//
// Idempotency rides on deterministic document ids: ledger entries are keyed
// by their idempotency key, usage events by their meter event id, overage
// claims by (user, key, period start). tx.Create on an existing document
// fails with AlreadyExists inside the transaction, which is exactly the
// replay signal the engine needs.
//
// The Entries query requires a composite index on
// (userId ASC, key ASC, id DESC) over the ledger collection.
package firestore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/creditkit/creditkit/pkg/creditkit"
)

// Storage implements creditkit.Store using Google Cloud Firestore.
type Storage struct {
	client                  *firestore.Client
	balancesCollection      string
	ledgerCollection        string
	subscriptionsCollection string
	customerMapCollection   string
	userMapCollection       string
	usageCollection         string
	usageTotalsCollection   string
	overageCollection       string
	failuresCollection      string
}

// Config holds Firestore storage configuration.
type Config struct {
	// CollectionPrefix is prepended to every collection name
	// (default: "creditkit_")
	CollectionPrefix string
}

// New creates a new Firestore storage adapter.
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}
	prefix := config.CollectionPrefix
	if prefix == "" {
		prefix = "creditkit_"
	}
	return &Storage{
		client:                  client,
		balancesCollection:      prefix + "balances",
		ledgerCollection:        prefix + "ledger",
		subscriptionsCollection: prefix + "subscriptions",
		customerMapCollection:   prefix + "customer_map",
		userMapCollection:       prefix + "user_map",
		usageCollection:         prefix + "usage_events",
		usageTotalsCollection:   prefix + "usage_totals",
		overageCollection:       prefix + "overage_charges",
		failuresCollection:      prefix + "topup_failures",
	}, nil
}

// ApplyEntry implements creditkit.Store.
func (s *Storage) ApplyEntry(ctx context.Context, req *creditkit.EntryRequest) (int64, error) {
	var balanceAfter int64

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		entryRef := s.client.Collection(s.ledgerCollection).Doc(docID(req.IdempotencyKey))

		snap, err := tx.Get(entryRef)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if err == nil && snap.Exists() {
			// Replay: hand back the balance the original write committed.
			balanceAfter = getInt64(snap.Data(), "balanceAfter")
			return nil
		}

		balanceRef := s.balanceDoc(req.UserID, req.Key)
		current, entryCount, err := s.readBalance(tx, balanceRef)
		if err != nil {
			return err
		}

		balanceAfter = current + req.Amount
		if balanceAfter < 0 {
			return creditkit.ErrInsufficientBalance
		}

		now := time.Now().UTC()
		if err := tx.Set(balanceRef, map[string]interface{}{
			"userId":     req.UserID,
			"key":        req.Key,
			"balance":    balanceAfter,
			"entryCount": entryCount + 1,
			"updatedAt":  now,
		}, firestore.MergeAll); err != nil {
			return err
		}

		return tx.Create(entryRef, map[string]interface{}{
			"id":             entryCount + 1,
			"userId":         req.UserID,
			"key":            req.Key,
			"amount":         req.Amount,
			"balanceAfter":   balanceAfter,
			"type":           string(req.Type),
			"source":         req.Source,
			"sourceId":       req.SourceID,
			"idempotencyKey": req.IdempotencyKey,
			"createdAt":      now,
		})
	})
	if err != nil {
		return 0, err
	}
	return balanceAfter, nil
}

// SetBalance implements creditkit.Store.
func (s *Storage) SetBalance(ctx context.Context, req *creditkit.SetBalanceRequest) (int64, error) {
	var balanceAfter int64

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		entryRef := s.client.Collection(s.ledgerCollection).Doc(docID(req.IdempotencyKey))

		snap, err := tx.Get(entryRef)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if err == nil && snap.Exists() {
			balanceAfter = getInt64(snap.Data(), "balanceAfter")
			return nil
		}

		balanceRef := s.balanceDoc(req.UserID, req.Key)
		current, entryCount, err := s.readBalance(tx, balanceRef)
		if err != nil {
			return err
		}

		balanceAfter = req.Value
		delta := req.Value - current

		now := time.Now().UTC()
		if err := tx.Set(balanceRef, map[string]interface{}{
			"userId":     req.UserID,
			"key":        req.Key,
			"balance":    balanceAfter,
			"entryCount": entryCount + 1,
			"updatedAt":  now,
		}, firestore.MergeAll); err != nil {
			return err
		}

		return tx.Create(entryRef, map[string]interface{}{
			"id":             entryCount + 1,
			"userId":         req.UserID,
			"key":            req.Key,
			"amount":         delta,
			"balanceAfter":   balanceAfter,
			"type":           string(req.Type),
			"source":         req.Source,
			"sourceId":       req.SourceID,
			"idempotencyKey": req.IdempotencyKey,
			"createdAt":      now,
		})
	})
	if err != nil {
		return 0, err
	}
	return balanceAfter, nil
}

// GetBalance implements creditkit.Store.
func (s *Storage) GetBalance(ctx context.Context, userID, key string) (int64, error) {
	snap, err := s.balanceDoc(userID, key).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get balance: %w", err)
	}
	return getInt64(snap.Data(), "balance"), nil
}

// Entries implements creditkit.Store.
func (s *Storage) Entries(ctx context.Context, userID, key string, limit int) ([]creditkit.LedgerEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	iter := s.client.Collection(s.ledgerCollection).
		Where("userId", "==", userID).
		Where("key", "==", key).
		OrderBy("id", firestore.Desc).
		Limit(limit).
		Documents(ctx)
	defer iter.Stop()

	var entries []creditkit.LedgerEntry
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list entries: %w", err)
		}
		data := snap.Data()
		entries = append(entries, creditkit.LedgerEntry{
			ID:             getInt64(data, "id"),
			UserID:         getString(data, "userId"),
			Key:            getString(data, "key"),
			Amount:         getInt64(data, "amount"),
			BalanceAfter:   getInt64(data, "balanceAfter"),
			Type:           creditkit.TxType(getString(data, "type")),
			Source:         getString(data, "source"),
			SourceID:       getString(data, "sourceId"),
			IdempotencyKey: getString(data, "idempotencyKey"),
			CreatedAt:      getTime(data, "createdAt"),
		})
	}
	return entries, nil
}

// GetSubscription implements creditkit.Store.
func (s *Storage) GetSubscription(ctx context.Context, id string) (*creditkit.Subscription, error) {
	snap, err := s.client.Collection(s.subscriptionsCollection).Doc(docID(id)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, creditkit.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}

	data := snap.Data()
	sub := &creditkit.Subscription{
		ID:          getString(data, "id"),
		CustomerID:  getString(data, "customerId"),
		Status:      creditkit.SubscriptionStatus(getString(data, "status")),
		PriceID:     getString(data, "priceId"),
		PeriodStart: getTime(data, "periodStart"),
		PeriodEnd:   getTime(data, "periodEnd"),
		UpdatedAt:   getTime(data, "updatedAt"),
	}
	if raw, ok := data["metadata"].(map[string]interface{}); ok && len(raw) > 0 {
		sub.Metadata = make(map[string]string, len(raw))
		for k, v := range raw {
			if str, ok := v.(string); ok {
				sub.Metadata[k] = str
			}
		}
	}
	return sub, nil
}

// PutSubscription implements creditkit.Store.
func (s *Storage) PutSubscription(ctx context.Context, sub *creditkit.Subscription) error {
	if sub == nil || sub.ID == "" {
		return fmt.Errorf("%w: subscription id is required", creditkit.ErrValidation)
	}

	data := map[string]interface{}{
		"id":          sub.ID,
		"customerId":  sub.CustomerID,
		"status":      string(sub.Status),
		"priceId":     sub.PriceID,
		"periodStart": sub.PeriodStart,
		"periodEnd":   sub.PeriodEnd,
		"updatedAt":   time.Now().UTC(),
	}
	if len(sub.Metadata) > 0 {
		data["metadata"] = sub.Metadata
	}

	if _, err := s.client.Collection(s.subscriptionsCollection).Doc(docID(sub.ID)).Set(ctx, data); err != nil {
		return fmt.Errorf("failed to put subscription: %w", err)
	}
	return nil
}

// MapUserCustomer implements creditkit.Store. Both lookup directions are
// written in one transaction.
func (s *Storage) MapUserCustomer(ctx context.Context, userID, customerID string) error {
	if userID == "" || customerID == "" {
		return fmt.Errorf("%w: user id and customer id are required", creditkit.ErrValidation)
	}

	customerRef := s.client.Collection(s.customerMapCollection).Doc(docID(customerID))
	userRef := s.client.Collection(s.userMapCollection).Doc(docID(userID))
	now := time.Now().UTC()

	return s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		if err := tx.Set(customerRef, map[string]interface{}{
			"userId":     userID,
			"customerId": customerID,
			"updatedAt":  now,
		}); err != nil {
			return err
		}
		return tx.Set(userRef, map[string]interface{}{
			"userId":     userID,
			"customerId": customerID,
			"updatedAt":  now,
		})
	})
}

// UserForCustomer implements creditkit.Store.
func (s *Storage) UserForCustomer(ctx context.Context, customerID string) (string, error) {
	snap, err := s.client.Collection(s.customerMapCollection).Doc(docID(customerID)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return "", creditkit.ErrUserMappingNotFound
		}
		return "", fmt.Errorf("failed to resolve customer: %w", err)
	}
	return getString(snap.Data(), "userId"), nil
}

// CustomerForUser implements creditkit.Store.
func (s *Storage) CustomerForUser(ctx context.Context, userID string) (string, error) {
	snap, err := s.client.Collection(s.userMapCollection).Doc(docID(userID)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return "", creditkit.ErrUserMappingNotFound
		}
		return "", fmt.Errorf("failed to resolve user: %w", err)
	}
	return getString(snap.Data(), "customerId"), nil
}

// InsertUsageEvent implements creditkit.Store. The event document id is the
// meter event id; a running per-period total is maintained alongside so
// UsageTotal never needs an aggregation query.
func (s *Storage) InsertUsageEvent(ctx context.Context, ev *creditkit.UsageEvent) error {
	if ev == nil || ev.MeterEventID == "" {
		return fmt.Errorf("%w: meter event id is required", creditkit.ErrValidation)
	}

	eventRef := s.client.Collection(s.usageCollection).Doc(docID(ev.MeterEventID))
	totalRef := s.usageTotalDoc(ev.UserID, ev.Key, ev.PeriodStart)

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(eventRef)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if err == nil && snap.Exists() {
			// Duplicate meter event, already counted.
			return nil
		}

		totalSnap, err := tx.Get(totalRef)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		var total int64
		if err == nil && totalSnap.Exists() {
			total = getInt64(totalSnap.Data(), "total")
		}

		now := time.Now().UTC()
		if err := tx.Set(totalRef, map[string]interface{}{
			"userId":      ev.UserID,
			"key":         ev.Key,
			"periodStart": ev.PeriodStart,
			"periodEnd":   ev.PeriodEnd,
			"total":       total + ev.Amount,
			"updatedAt":   now,
		}); err != nil {
			return err
		}

		return tx.Create(eventRef, map[string]interface{}{
			"userId":       ev.UserID,
			"key":          ev.Key,
			"amount":       ev.Amount,
			"periodStart":  ev.PeriodStart,
			"periodEnd":    ev.PeriodEnd,
			"meterEventId": ev.MeterEventID,
			"createdAt":    now,
		})
	})
	if err != nil {
		return fmt.Errorf("failed to insert usage event: %w", err)
	}
	return nil
}

// UsageTotal implements creditkit.Store. Periods are identified by their
// start instant, matching how InsertUsageEvent buckets events.
func (s *Storage) UsageTotal(ctx context.Context, userID, key string, period creditkit.Period) (int64, error) {
	snap, err := s.usageTotalDoc(userID, key, period.Start).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get usage total: %w", err)
	}
	return getInt64(snap.Data(), "total"), nil
}

// MarkOverageCharged implements creditkit.Store.
func (s *Storage) MarkOverageCharged(ctx context.Context, userID, key string, period creditkit.Period) (bool, error) {
	ref := s.client.Collection(s.overageCollection).
		Doc(docID(fmt.Sprintf("%s~%s~%d", userID, key, period.Start.Unix())))

	_, err := ref.Create(ctx, map[string]interface{}{
		"userId":      userID,
		"key":         key,
		"periodStart": period.Start,
		"periodEnd":   period.End,
		"chargedAt":   time.Now().UTC(),
	})
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return false, nil
		}
		return false, fmt.Errorf("failed to mark overage charged: %w", err)
	}
	return true, nil
}

// RecordTopupFailure implements creditkit.Store.
func (s *Storage) RecordTopupFailure(ctx context.Context, userID, key, paymentMethodID string,
	declineType creditkit.DeclineType, declineCode string, at time.Time, disable bool) (*creditkit.TopupFailure, error) {

	ref := s.failureDoc(userID, key, paymentMethodID)
	var failure *creditkit.TopupFailure

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}

		count := 1
		disabled := disable
		if err == nil && snap.Exists() {
			data := snap.Data()
			count = int(getInt64(data, "failureCount")) + 1
			disabled = disable || getBool(data, "disabled")
		}

		failure = &creditkit.TopupFailure{
			UserID:          userID,
			Key:             key,
			PaymentMethodID: paymentMethodID,
			DeclineType:     declineType,
			DeclineCode:     declineCode,
			FailureCount:    count,
			LastFailureAt:   at,
			Disabled:        disabled,
		}

		return tx.Set(ref, map[string]interface{}{
			"userId":          userID,
			"key":             key,
			"paymentMethodId": paymentMethodID,
			"declineType":     string(declineType),
			"declineCode":     declineCode,
			"failureCount":    count,
			"lastFailureAt":   at,
			"disabled":        disabled,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record top-up failure: %w", err)
	}
	return failure, nil
}

// GetTopupFailure implements creditkit.Store.
func (s *Storage) GetTopupFailure(ctx context.Context, userID, key, paymentMethodID string) (*creditkit.TopupFailure, error) {
	snap, err := s.failureDoc(userID, key, paymentMethodID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get top-up failure: %w", err)
	}

	data := snap.Data()
	return &creditkit.TopupFailure{
		UserID:          getString(data, "userId"),
		Key:             getString(data, "key"),
		PaymentMethodID: getString(data, "paymentMethodId"),
		DeclineType:     creditkit.DeclineType(getString(data, "declineType")),
		DeclineCode:     getString(data, "declineCode"),
		FailureCount:    int(getInt64(data, "failureCount")),
		LastFailureAt:   getTime(data, "lastFailureAt"),
		Disabled:        getBool(data, "disabled"),
	}, nil
}

// ClearTopupFailure implements creditkit.Store.
func (s *Storage) ClearTopupFailure(ctx context.Context, userID, key, paymentMethodID string) error {
	_, err := s.failureDoc(userID, key, paymentMethodID).Delete(ctx)
	if err != nil && status.Code(err) != codes.NotFound {
		return fmt.Errorf("failed to clear top-up failure: %w", err)
	}
	return nil
}

func (s *Storage) readBalance(tx *firestore.Transaction, ref *firestore.DocumentRef) (balance, entryCount int64, err error) {
	snap, err := tx.Get(ref)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return 0, 0, nil
		}
		return 0, 0, err
	}
	data := snap.Data()
	return getInt64(data, "balance"), getInt64(data, "entryCount"), nil
}

func (s *Storage) balanceDoc(userID, key string) *firestore.DocumentRef {
	return s.client.Collection(s.balancesCollection).Doc(docID(userID + "~" + key))
}

func (s *Storage) usageTotalDoc(userID, key string, periodStart time.Time) *firestore.DocumentRef {
	return s.client.Collection(s.usageTotalsCollection).
		Doc(docID(fmt.Sprintf("%s~%s~%d", userID, key, periodStart.Unix())))
}

func (s *Storage) failureDoc(userID, key, paymentMethodID string) *firestore.DocumentRef {
	return s.client.Collection(s.failuresCollection).Doc(docID(userID + "~" + key + "~" + paymentMethodID))
}

// docID makes an arbitrary string safe as a Firestore document id.
func docID(raw string) string {
	return strings.ReplaceAll(raw, "/", "_")
}

// Helper functions for type conversion from Firestore data

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getInt64(data map[string]interface{}, key string) int64 {
	switch v := data[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}

func getBool(data map[string]interface{}, key string) bool {
	if v, ok := data[key].(bool); ok {
		return v
	}
	return false
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v
	}
	return time.Time{}
}
