// Package storage persists products, categories and price history.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aluiziolira/storefront-scraper/models"
	"github.com/shopspring/decimal"
)

var (
	// ErrBusy means the database refused the transaction because of lock
	// contention. The whole transaction may be retried.
	ErrBusy = errors.New("storage busy")
	// ErrNotFound is returned by lookups that match nothing.
	ErrNotFound = errors.New("not found")
)

// Tx is the set of operations available inside one transaction.
type Tx interface {
	// GetOrCreateCategory returns the id of the category called name,
	// creating it with slug when absent.
	GetOrCreateCategory(ctx context.Context, name, slug string) (int64, error)
	// FindProduct returns ErrNotFound when no product has the key.
	FindProduct(ctx context.Context, productID, storeName string) (*models.Product, error)
	// UpsertProduct writes every field of p keyed by (ProductID, StoreName)
	// and fills p.ID, p.CreatedAt and p.UpdatedAt.
	UpsertProduct(ctx context.Context, p *models.Product) (created bool, err error)
	AppendPriceHistory(ctx context.Context, h *models.PriceHistory) error
}

// Store is a transactional product database.
type Store interface {
	// WithinTx runs fn in a transaction, committing when fn returns nil.
	WithinTx(ctx context.Context, fn func(Tx) error) error

	Products(ctx context.Context, storeName string) ([]models.Product, error)
	PriceHistory(ctx context.Context, productPK int64) ([]models.PriceHistory, error)
	CountProducts(ctx context.Context) (int, error)
	// PrunePriceHistory deletes entries recorded before olderThan.
	PrunePriceHistory(ctx context.Context, olderThan time.Time) (int64, error)
	Close() error
}

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Open connects to the database named by driver and dsn and makes sure the
// schema exists.
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch strings.ToLower(driver) {
	case DriverSQLite, "":
		return OpenSQLite(ctx, dsn)
	case DriverPostgres, "pgx":
		return OpenPostgres(ctx, dsn)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}
}

// busy wraps err so that errors.Is(err, ErrBusy) holds.
func busy(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrBusy, err)
}

// amountArg renders a nullable amount at storage precision.
func amountArg(d decimal.NullDecimal) any {
	if !d.Valid {
		return nil
	}
	return d.Decimal.StringFixed(models.CurrencyPlaces)
}

func amountFromText(s *string) (decimal.NullDecimal, error) {
	if s == nil {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return decimal.NullDecimal{}, fmt.Errorf("parse amount %q: %w", *s, err)
	}
	return decimal.NewNullDecimal(d), nil
}
