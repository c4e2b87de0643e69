package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aluiziolira/storefront-scraper/models"
	_ "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS categories (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		slug TEXT NOT NULL UNIQUE,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS products (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		product_id TEXT NOT NULL,
		store_name TEXT NOT NULL,
		store_type TEXT NOT NULL DEFAULT 'general',
		sku TEXT NOT NULL DEFAULT '',
		category_id INTEGER REFERENCES categories(id) ON DELETE SET NULL,
		product_name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		price TEXT,
		price_before_tax TEXT,
		final_price_after_tax TEXT,
		currency TEXT NOT NULL DEFAULT 'USD',
		stock_status TEXT NOT NULL DEFAULT 'out_of_stock',
		product_url TEXT NOT NULL DEFAULT '',
		image_url TEXT NOT NULL DEFAULT '',
		last_scraped DATETIME NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		UNIQUE (product_id, store_name)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_products_store_category ON products (store_name, category_id)`,
	`CREATE INDEX IF NOT EXISTS idx_products_name ON products (product_name)`,
	`CREATE TABLE IF NOT EXISTS price_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		product_id INTEGER NOT NULL REFERENCES products(id) ON DELETE CASCADE,
		price TEXT NOT NULL,
		currency TEXT NOT NULL,
		stock_status TEXT NOT NULL,
		recorded_at DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_price_history_product ON price_history (product_id, recorded_at)`,
}

const productColumns = `id, product_id, store_name, store_type, sku, category_id, product_name, description,
	price, price_before_tax, final_price_after_tax, currency, stock_status, product_url, image_url,
	last_scraped, created_at, updated_at`

// SQLiteStore keeps everything in one SQLite file. Writes are serialized
// through a single connection and BEGIN IMMEDIATE transactions.
type SQLiteStore struct {
	db *sql.DB
}

// SQLiteDSN turns a file path into a DSN carrying the pragmas the store
// relies on. DSNs that already start with "file:" are only extended.
func SQLiteDSN(path string) string {
	dsn := path
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_time_format=sqlite"
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", SQLiteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	for _, stmt := range sqliteSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create sqlite schema: %w", err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// WithinTx runs fn inside an immediate transaction.
func (s *SQLiteStore) WithinTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return sqliteErr("begin", err)
	}
	if err := fn(&sqliteTx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return sqliteErr("commit", err)
	}
	return nil
}

type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) GetOrCreateCategory(ctx context.Context, name, slug string) (int64, error) {
	now := time.Now().UTC()
	if _, err := t.tx.ExecContext(ctx,
		`INSERT INTO categories (name, slug, created_at, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT DO NOTHING`,
		name, slug, now, now,
	); err != nil {
		return 0, sqliteErr("insert category", err)
	}

	var id int64
	err := t.tx.QueryRowContext(ctx,
		`SELECT id FROM categories WHERE name = ? OR slug = ? ORDER BY name = ? DESC LIMIT 1`,
		name, slug, name,
	).Scan(&id)
	if err != nil {
		return 0, sqliteErr("select category", err)
	}
	return id, nil
}

func (t *sqliteTx) FindProduct(ctx context.Context, productID, storeName string) (*models.Product, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+productColumns+` FROM products WHERE product_id = ? AND store_name = ?`,
		productID, storeName,
	)
	p, err := scanSQLiteProduct(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, sqliteErr("find product", err)
	}
	return p, nil
}

func (t *sqliteTx) UpsertProduct(ctx context.Context, p *models.Product) (bool, error) {
	now := time.Now().UTC()
	createdAt := now
	err := t.tx.QueryRowContext(ctx,
		`SELECT created_at FROM products WHERE product_id = ? AND store_name = ?`,
		p.ProductID, p.StoreName,
	).Scan(&createdAt)
	created := errors.Is(err, sql.ErrNoRows)
	if err != nil && !created {
		return false, sqliteErr("check product", err)
	}

	err = t.tx.QueryRowContext(ctx,
		`INSERT INTO products (
			product_id, store_name, store_type, sku, category_id, product_name, description,
			price, price_before_tax, final_price_after_tax, currency, stock_status,
			product_url, image_url, last_scraped, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (product_id, store_name) DO UPDATE SET
			store_type = excluded.store_type,
			sku = excluded.sku,
			category_id = excluded.category_id,
			product_name = excluded.product_name,
			description = excluded.description,
			price = excluded.price,
			price_before_tax = excluded.price_before_tax,
			final_price_after_tax = excluded.final_price_after_tax,
			currency = excluded.currency,
			stock_status = excluded.stock_status,
			product_url = excluded.product_url,
			image_url = excluded.image_url,
			last_scraped = excluded.last_scraped,
			updated_at = excluded.updated_at
		RETURNING id`,
		p.ProductID, p.StoreName, p.StoreType, p.SKU, p.CategoryID, p.ProductName, p.Description,
		amountArg(p.Price), amountArg(p.PriceBeforeTax), amountArg(p.FinalPriceAfterTax),
		p.Currency, string(p.StockStatus), p.ProductURL, p.ImageURL,
		p.LastScraped.UTC(), now, now,
	).Scan(&p.ID)
	if err != nil {
		return false, sqliteErr("upsert product", err)
	}
	p.CreatedAt = createdAt
	p.UpdatedAt = now
	return created, nil
}

func (t *sqliteTx) AppendPriceHistory(ctx context.Context, h *models.PriceHistory) error {
	if h.RecordedAt.IsZero() {
		h.RecordedAt = time.Now().UTC()
	}
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO price_history (product_id, price, currency, stock_status, recorded_at)
		 VALUES (?, ?, ?, ?, ?)`,
		h.ProductID, h.Price.StringFixed(models.CurrencyPlaces), h.Currency, string(h.StockStatus), h.RecordedAt.UTC(),
	)
	if err != nil {
		return sqliteErr("insert price history", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		h.ID = id
	}
	return nil
}

// Products lists stored products, all stores when storeName is empty.
func (s *SQLiteStore) Products(ctx context.Context, storeName string) ([]models.Product, error) {
	query := `SELECT ` + productColumns + ` FROM products`
	var args []any
	if storeName != "" {
		query += ` WHERE store_name = ?`
		args = append(args, storeName)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, sqliteErr("query products", err)
	}
	defer rows.Close()

	var out []models.Product
	for rows.Next() {
		p, err := scanSQLiteProduct(rows)
		if err != nil {
			return nil, sqliteErr("scan product", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// PriceHistory lists the history of one product, oldest first.
func (s *SQLiteStore) PriceHistory(ctx context.Context, productPK int64) ([]models.PriceHistory, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, product_id, price, currency, stock_status, recorded_at
		 FROM price_history WHERE product_id = ? ORDER BY recorded_at, id`,
		productPK,
	)
	if err != nil {
		return nil, sqliteErr("query price history", err)
	}
	defer rows.Close()

	var out []models.PriceHistory
	for rows.Next() {
		var (
			h      models.PriceHistory
			status string
		)
		if err := rows.Scan(&h.ID, &h.ProductID, &h.Price, &h.Currency, &status, &h.RecordedAt); err != nil {
			return nil, sqliteErr("scan price history", err)
		}
		h.StockStatus = models.StockStatus(status)
		out = append(out, h)
	}
	return out, rows.Err()
}

// CountProducts returns the number of stored products.
func (s *SQLiteStore) CountProducts(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM products`).Scan(&n); err != nil {
		return 0, sqliteErr("count products", err)
	}
	return n, nil
}

// PrunePriceHistory deletes history recorded before olderThan.
func (s *SQLiteStore) PrunePriceHistory(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM price_history WHERE recorded_at < ?`, olderThan.UTC())
	if err != nil {
		return 0, sqliteErr("prune price history", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteProduct(row rowScanner) (*models.Product, error) {
	var (
		p          models.Product
		categoryID sql.NullInt64
		status     string
	)
	err := row.Scan(
		&p.ID, &p.ProductID, &p.StoreName, &p.StoreType, &p.SKU, &categoryID, &p.ProductName, &p.Description,
		&p.Price, &p.PriceBeforeTax, &p.FinalPriceAfterTax, &p.Currency, &status, &p.ProductURL, &p.ImageURL,
		&p.LastScraped, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if categoryID.Valid {
		id := categoryID.Int64
		p.CategoryID = &id
	}
	p.StockStatus = models.StockStatus(status)
	return &p, nil
}

// coder matches driver errors that expose a SQLite result code.
type coder interface {
	Code() int
}

func isSQLiteBusy(err error) bool {
	var c coder
	if !errors.As(err, &c) {
		return false
	}
	switch c.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}

func sqliteErr(op string, err error) error {
	if isSQLiteBusy(err) {
		return busy(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
