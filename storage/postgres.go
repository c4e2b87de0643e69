package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aluiziolira/storefront-scraper/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const defaultPostgresConns = 4

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS categories (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		slug TEXT NOT NULL UNIQUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS products (
		id BIGSERIAL PRIMARY KEY,
		product_id TEXT NOT NULL,
		store_name TEXT NOT NULL,
		store_type TEXT NOT NULL DEFAULT 'general',
		sku TEXT NOT NULL DEFAULT '',
		category_id BIGINT REFERENCES categories(id) ON DELETE SET NULL,
		product_name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		price NUMERIC(12,2),
		price_before_tax NUMERIC(12,2),
		final_price_after_tax NUMERIC(12,2),
		currency TEXT NOT NULL DEFAULT 'USD',
		stock_status TEXT NOT NULL DEFAULT 'out_of_stock',
		product_url TEXT NOT NULL DEFAULT '',
		image_url TEXT NOT NULL DEFAULT '',
		last_scraped TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (product_id, store_name)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_products_store_category ON products (store_name, category_id)`,
	`CREATE INDEX IF NOT EXISTS idx_products_name ON products (product_name)`,
	`CREATE TABLE IF NOT EXISTS price_history (
		id BIGSERIAL PRIMARY KEY,
		product_id BIGINT NOT NULL REFERENCES products(id) ON DELETE CASCADE,
		price NUMERIC(12,2) NOT NULL,
		currency TEXT NOT NULL,
		stock_status TEXT NOT NULL,
		recorded_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_price_history_product ON price_history (product_id, recorded_at)`,
}

const pgProductColumns = `id, product_id, store_name, store_type, sku, category_id, product_name, description,
	price::text, price_before_tax::text, final_price_after_tax::text, currency, stock_status, product_url, image_url,
	last_scraped, created_at, updated_at`

// PostgresStore persists to PostgreSQL through a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects with dsn and creates the schema.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns <= 0 || cfg.MaxConns > defaultPostgresConns {
		cfg.MaxConns = defaultPostgresConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	for _, stmt := range postgresSchema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("create postgres schema: %w", err)
		}
	}
	return &PostgresStore{pool: pool}, nil
}

// Close shuts the pool down.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// WithinTx runs fn inside a read-committed transaction.
func (s *PostgresStore) WithinTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return pgErr("begin", err)
	}
	if err := fn(&pgTx{tx: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return pgErr("commit", err)
	}
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) GetOrCreateCategory(ctx context.Context, name, slug string) (int64, error) {
	if _, err := t.tx.Exec(ctx,
		`INSERT INTO categories (name, slug) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		name, slug,
	); err != nil {
		return 0, pgErr("insert category", err)
	}

	var id int64
	err := t.tx.QueryRow(ctx,
		`SELECT id FROM categories WHERE name = $1 OR slug = $2 ORDER BY (name = $1) DESC LIMIT 1`,
		name, slug,
	).Scan(&id)
	if err != nil {
		return 0, pgErr("select category", err)
	}
	return id, nil
}

func (t *pgTx) FindProduct(ctx context.Context, productID, storeName string) (*models.Product, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT `+pgProductColumns+` FROM products WHERE product_id = $1 AND store_name = $2`,
		productID, storeName,
	)
	p, err := scanPgProduct(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, pgErr("find product", err)
	}
	return p, nil
}

func (t *pgTx) UpsertProduct(ctx context.Context, p *models.Product) (bool, error) {
	var inserted bool
	err := t.tx.QueryRow(ctx,
		`INSERT INTO products (
			product_id, store_name, store_type, sku, category_id, product_name, description,
			price, price_before_tax, final_price_after_tax, currency, stock_status,
			product_url, image_url, last_scraped
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric, $9::numeric, $10::numeric, $11, $12, $13, $14, $15)
		ON CONFLICT (product_id, store_name) DO UPDATE SET
			store_type = EXCLUDED.store_type,
			sku = EXCLUDED.sku,
			category_id = EXCLUDED.category_id,
			product_name = EXCLUDED.product_name,
			description = EXCLUDED.description,
			price = EXCLUDED.price,
			price_before_tax = EXCLUDED.price_before_tax,
			final_price_after_tax = EXCLUDED.final_price_after_tax,
			currency = EXCLUDED.currency,
			stock_status = EXCLUDED.stock_status,
			product_url = EXCLUDED.product_url,
			image_url = EXCLUDED.image_url,
			last_scraped = EXCLUDED.last_scraped,
			updated_at = now()
		RETURNING id, created_at, updated_at, (xmax = 0)`,
		p.ProductID, p.StoreName, p.StoreType, p.SKU, p.CategoryID, p.ProductName, p.Description,
		amountArg(p.Price), amountArg(p.PriceBeforeTax), amountArg(p.FinalPriceAfterTax),
		p.Currency, string(p.StockStatus), p.ProductURL, p.ImageURL, p.LastScraped,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt, &inserted)
	if err != nil {
		return false, pgErr("upsert product", err)
	}
	return inserted, nil
}

func (t *pgTx) AppendPriceHistory(ctx context.Context, h *models.PriceHistory) error {
	if h.RecordedAt.IsZero() {
		h.RecordedAt = time.Now().UTC()
	}
	err := t.tx.QueryRow(ctx,
		`INSERT INTO price_history (product_id, price, currency, stock_status, recorded_at)
		 VALUES ($1, $2::numeric, $3, $4, $5) RETURNING id`,
		h.ProductID, h.Price.StringFixed(models.CurrencyPlaces), h.Currency, string(h.StockStatus), h.RecordedAt,
	).Scan(&h.ID)
	if err != nil {
		return pgErr("insert price history", err)
	}
	return nil
}

// Products lists stored products, all stores when storeName is empty.
func (s *PostgresStore) Products(ctx context.Context, storeName string) ([]models.Product, error) {
	query := `SELECT ` + pgProductColumns + ` FROM products`
	var args []any
	if storeName != "" {
		query += ` WHERE store_name = $1`
		args = append(args, storeName)
	}
	query += ` ORDER BY id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, pgErr("query products", err)
	}
	defer rows.Close()

	var out []models.Product
	for rows.Next() {
		p, err := scanPgProduct(rows)
		if err != nil {
			return nil, pgErr("scan product", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// PriceHistory lists the history of one product, oldest first.
func (s *PostgresStore) PriceHistory(ctx context.Context, productPK int64) ([]models.PriceHistory, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, product_id, price::text, currency, stock_status, recorded_at
		 FROM price_history WHERE product_id = $1 ORDER BY recorded_at, id`,
		productPK,
	)
	if err != nil {
		return nil, pgErr("query price history", err)
	}
	defer rows.Close()

	var out []models.PriceHistory
	for rows.Next() {
		var (
			h      models.PriceHistory
			price  string
			status string
		)
		if err := rows.Scan(&h.ID, &h.ProductID, &price, &h.Currency, &status, &h.RecordedAt); err != nil {
			return nil, pgErr("scan price history", err)
		}
		amount, err := amountFromText(&price)
		if err != nil {
			return nil, err
		}
		h.Price = amount.Decimal
		h.StockStatus = models.StockStatus(status)
		out = append(out, h)
	}
	return out, rows.Err()
}

// CountProducts returns the number of stored products.
func (s *PostgresStore) CountProducts(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM products`).Scan(&n); err != nil {
		return 0, pgErr("count products", err)
	}
	return n, nil
}

// PrunePriceHistory deletes history recorded before olderThan.
func (s *PostgresStore) PrunePriceHistory(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM price_history WHERE recorded_at < $1`, olderThan)
	if err != nil {
		return 0, pgErr("prune price history", err)
	}
	return tag.RowsAffected(), nil
}

func scanPgProduct(row pgx.Row) (*models.Product, error) {
	var (
		p                          models.Product
		price, beforeTax, afterTax *string
		status                     string
	)
	err := row.Scan(
		&p.ID, &p.ProductID, &p.StoreName, &p.StoreType, &p.SKU, &p.CategoryID, &p.ProductName, &p.Description,
		&price, &beforeTax, &afterTax, &p.Currency, &status, &p.ProductURL, &p.ImageURL,
		&p.LastScraped, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if p.Price, err = amountFromText(price); err != nil {
		return nil, err
	}
	if p.PriceBeforeTax, err = amountFromText(beforeTax); err != nil {
		return nil, err
	}
	if p.FinalPriceAfterTax, err = amountFromText(afterTax); err != nil {
		return nil, err
	}
	p.StockStatus = models.StockStatus(status)
	return &p, nil
}

// Serialization failure, deadlock and lock-not-available are safe to retry.
var pgBusyCodes = map[string]bool{
	"40001": true,
	"40P01": true,
	"55P03": true,
}

func isPgBusy(err error) bool {
	var pe *pgconn.PgError
	return errors.As(err, &pe) && pgBusyCodes[pe.Code]
}

func pgErr(op string, err error) error {
	if isPgBusy(err) {
		return busy(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
