// Package models defines data structures for the scraper.
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// CurrencyPlaces is the storage precision of every persisted amount.
const CurrencyPlaces = 2

// DefaultCurrency is used when a store profile does not set one.
const DefaultCurrency = "USD"

// StockStatus is the normalized availability of a product.
type StockStatus string

const (
	InStock    StockStatus = "in_stock"
	OutOfStock StockStatus = "out_of_stock"
)

// StockStatusFromBool maps the API's is_in_stock flag.
func StockStatusFromBool(inStock bool) StockStatus {
	if inStock {
		return InStock
	}
	return OutOfStock
}

// ProductRecord is one normalized product as read from a store API page.
type ProductRecord struct {
	StoreName          string              `json:"store_name"`
	StoreType          string              `json:"store_type"`
	Category           string              `json:"category"`
	ProductID          string              `json:"product_id"`
	SKU                string              `json:"sku"`
	ProductName        string              `json:"product_name"`
	Description        string              `json:"description"`
	Price              decimal.NullDecimal `json:"price"`
	PriceBeforeTax     decimal.NullDecimal `json:"price_before_tax"`
	FinalPriceAfterTax decimal.NullDecimal `json:"final_price_after_tax"`
	Currency           string              `json:"currency"`
	StockStatus        StockStatus         `json:"stock_status"`
	ProductURL         string              `json:"product_url"`
	ImageURL           string              `json:"image_url"`
}

// Category groups products and partitions a store's pagination.
type Category struct {
	ID        int64
	Name      string
	Slug      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Product is the persisted entity, unique per (ProductID, StoreName).
type Product struct {
	ID                 int64
	ProductID          string
	StoreName          string
	StoreType          string
	SKU                string
	CategoryID         *int64
	ProductName        string
	Description        string
	Price              decimal.NullDecimal
	PriceBeforeTax     decimal.NullDecimal
	FinalPriceAfterTax decimal.NullDecimal
	Currency           string
	StockStatus        StockStatus
	ProductURL         string
	ImageURL           string
	LastScraped        time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// PriceHistory is an append-only entry holding a superseded price.
type PriceHistory struct {
	ID          int64
	ProductID   int64
	Price       decimal.Decimal
	Currency    string
	StockStatus StockStatus
	RecordedAt  time.Time
}

// ProductFromRecord builds the persisted form of r. Amounts are rounded to
// CurrencyPlaces.
func ProductFromRecord(r ProductRecord, categoryID *int64, scrapedAt time.Time) *Product {
	currency := r.Currency
	if currency == "" {
		currency = DefaultCurrency
	}
	status := r.StockStatus
	if status == "" {
		status = OutOfStock
	}
	storeType := r.StoreType
	if storeType == "" {
		storeType = "general"
	}
	return &Product{
		ProductID:          r.ProductID,
		StoreName:          r.StoreName,
		StoreType:          storeType,
		SKU:                r.SKU,
		CategoryID:         categoryID,
		ProductName:        r.ProductName,
		Description:        r.Description,
		Price:              RoundCurrency(r.Price),
		PriceBeforeTax:     RoundCurrency(r.PriceBeforeTax),
		FinalPriceAfterTax: RoundCurrency(r.FinalPriceAfterTax),
		Currency:           currency,
		StockStatus:        status,
		ProductURL:         r.ProductURL,
		ImageURL:           r.ImageURL,
		LastScraped:        scrapedAt,
	}
}

// RoundCurrency rounds a nullable amount to CurrencyPlaces.
func RoundCurrency(d decimal.NullDecimal) decimal.NullDecimal {
	if !d.Valid {
		return d
	}
	return decimal.NewNullDecimal(d.Decimal.Round(CurrencyPlaces))
}
