package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aluiziolira/storefront-scraper/models"
	"github.com/aluiziolira/storefront-scraper/parser"
	"github.com/aluiziolira/storefront-scraper/storage"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/shopspring/decimal"
)

const (
	// DefaultUpsertAttempts bounds how often a busy transaction is tried.
	DefaultUpsertAttempts = 5
	// DefaultBusyBackoff is multiplied by the attempt number between tries.
	DefaultBusyBackoff = 500 * time.Millisecond

	categoryCacheSize = 256
)

// ErrSkipped marks records rejected before touching storage.
var ErrSkipped = errors.New("record skipped")

// Observer receives one outcome label per upsert.
type Observer interface {
	ObserveUpsert(outcome string)
}

// UpsertError reports a record that could not be persisted.
type UpsertError struct {
	StoreName string
	ProductID string
	Attempts  int
	// Retryable is set when every attempt failed on lock contention.
	Retryable bool
	Err       error
}

func (e *UpsertError) Error() string {
	return fmt.Sprintf("upsert %s/%s after %d attempt(s): %v", e.StoreName, e.ProductID, e.Attempts, e.Err)
}

func (e *UpsertError) Unwrap() error {
	return e.Err
}

// UpsertEngine saves records with change tracking. It is safe for
// concurrent use.
type UpsertEngine struct {
	store      storage.Store
	stats      *models.RunStatistics
	observer   Observer
	categories *lru.Cache[string, int64]

	attempts int
	backoff  time.Duration
	now      func() time.Time
}

// NewUpsertEngine wires an engine to store. stats and observer may be nil.
func NewUpsertEngine(store storage.Store, stats *models.RunStatistics, observer Observer) (*UpsertEngine, error) {
	cache, err := lru.New[string, int64](categoryCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create category cache: %w", err)
	}
	return &UpsertEngine{
		store:      store,
		stats:      stats,
		observer:   observer,
		categories: cache,
		attempts:   DefaultUpsertAttempts,
		backoff:    DefaultBusyBackoff,
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

// Upsert creates or updates the product for record and reports whether it
// was created. A price change on an existing product appends the previous
// price to its history in the same transaction.
func (e *UpsertEngine) Upsert(ctx context.Context, record models.ProductRecord) (*models.Product, bool, error) {
	if err := parser.ValidateRecord(&record); err != nil {
		e.stats.IncSkipped()
		e.observe("skipped")
		return nil, false, &UpsertError{
			StoreName: record.StoreName,
			ProductID: record.ProductID,
			Err:       fmt.Errorf("%w: %v", ErrSkipped, err),
		}
	}

	var (
		product *models.Product
		created bool
		err     error
		attempt int
	)
	for attempt = 1; attempt <= e.attempts; attempt++ {
		product, created, err = e.upsertOnce(ctx, record)
		if err == nil || !errors.Is(err, storage.ErrBusy) || attempt == e.attempts {
			break
		}
		slog.Warn("database busy, retrying upsert",
			slog.String("store", record.StoreName),
			slog.String("product_id", record.ProductID),
			slog.Int("attempt", attempt),
		)
		if waitErr := sleepContext(ctx, e.backoff*time.Duration(attempt)); waitErr != nil {
			err = waitErr
			break
		}
	}

	if err != nil {
		e.stats.IncErrors()
		e.observe("error")
		slog.Error("failed to save product",
			slog.String("store", record.StoreName),
			slog.String("product_id", record.ProductID),
			slog.Int("attempts", attempt),
			slog.Any("error", err),
		)
		return nil, false, &UpsertError{
			StoreName: record.StoreName,
			ProductID: record.ProductID,
			Attempts:  attempt,
			Retryable: errors.Is(err, storage.ErrBusy),
			Err:       err,
		}
	}

	if created {
		e.stats.IncCreated()
		e.observe("created")
	} else {
		e.stats.IncUpdated()
		e.observe("updated")
	}
	return product, created, nil
}

func (e *UpsertEngine) upsertOnce(ctx context.Context, record models.ProductRecord) (*models.Product, bool, error) {
	categoryID, cached := e.categories.Get(record.Category)

	var (
		product *models.Product
		created bool
	)
	err := e.store.WithinTx(ctx, func(tx storage.Tx) error {
		if !cached {
			id, err := tx.GetOrCreateCategory(ctx, record.Category, categorySlug(record.Category))
			if err != nil {
				return err
			}
			categoryID = id
		}

		existing, err := tx.FindProduct(ctx, record.ProductID, record.StoreName)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}

		now := e.now()
		catID := categoryID
		p := models.ProductFromRecord(record, &catID, now)
		isNew, err := tx.UpsertProduct(ctx, p)
		if err != nil {
			return err
		}

		if existing != nil && priceChanged(existing.Price, p.Price) {
			entry := &models.PriceHistory{
				ProductID:   p.ID,
				Price:       existing.Price.Decimal.Round(models.CurrencyPlaces),
				Currency:    p.Currency,
				StockStatus: p.StockStatus,
				RecordedAt:  now,
			}
			if err := tx.AppendPriceHistory(ctx, entry); err != nil {
				return err
			}
			slog.Debug("price changed",
				slog.String("store", record.StoreName),
				slog.String("product_id", record.ProductID),
				slog.String("old", entry.Price.StringFixed(models.CurrencyPlaces)),
				slog.String("new", p.Price.Decimal.StringFixed(models.CurrencyPlaces)),
			)
		}

		product, created = p, isNew
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	if !cached {
		e.categories.Add(record.Category, categoryID)
	}
	return product, created, nil
}

func (e *UpsertEngine) observe(outcome string) {
	if e.observer != nil {
		e.observer.ObserveUpsert(outcome)
	}
}

// priceChanged compares two amounts at storage precision. A missing amount
// on either side is never a change.
func priceChanged(prev, next decimal.NullDecimal) bool {
	if !prev.Valid || !next.Valid {
		return false
	}
	return !prev.Decimal.Round(models.CurrencyPlaces).Equal(next.Decimal.Round(models.CurrencyPlaces))
}

func categorySlug(name string) string {
	if slug := parser.Slugify(name); slug != "" {
		return slug
	}
	return strings.ToLower(strings.TrimSpace(name))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
