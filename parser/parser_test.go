package parser

import (
	"testing"

	"github.com/aluiziolira/storefront-scraper/config"
	"github.com/aluiziolira/storefront-scraper/models"
	"github.com/shopspring/decimal"
)

func TestValidateRecord(t *testing.T) {
	valid := func() *models.ProductRecord {
		return &models.ProductRecord{
			StoreName:   "PC and Parts",
			Category:    "cpu",
			ProductID:   "101",
			ProductName: "Ryzen 7 7700X",
		}
	}

	tests := []struct {
		name    string
		mutate  func(*models.ProductRecord)
		wantErr bool
	}{
		{name: "valid record", mutate: func(*models.ProductRecord) {}, wantErr: false},
		{name: "missing product id", mutate: func(r *models.ProductRecord) { r.ProductID = " " }, wantErr: true},
		{name: "missing store", mutate: func(r *models.ProductRecord) { r.StoreName = "" }, wantErr: true},
		{name: "missing name", mutate: func(r *models.ProductRecord) { r.ProductName = "" }, wantErr: true},
		{name: "missing category", mutate: func(r *models.ProductRecord) { r.Category = "" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := valid()
			tt.mutate(r)
			err := ValidateRecord(r)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateRecord() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}

	if err := ValidateRecord(nil); err == nil {
		t.Errorf("ValidateRecord(nil) should fail")
	}
}

func TestCleanHTML(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "empty", input: "", expected: ""},
		{name: "plain text", input: "  Fast   SSD \n drive ", expected: "Fast SSD drive"},
		{name: "paragraphs", input: "<p>Line one</p><p>Line two</p>", expected: "Line one Line two"},
		{name: "drops scripts", input: "<div>Keep<script>var x = 1;</script></div>", expected: "Keep"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CleanHTML(tt.input); got != tt.expected {
				t.Errorf("CleanHTML(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestExtractPrice(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string // empty means no price
	}{
		{
			name:     "woocommerce amount",
			input:    `<span class="woocommerce-Price-amount amount"><bdi><span class="woocommerce-Price-currencySymbol">&#36;</span>1,299.00</bdi></span>`,
			expected: "1299",
		},
		{
			name:     "sale price takes the first amount",
			input:    `<del><span>$100.00</span></del><ins><span>$90.00</span></ins>`,
			expected: "100",
		},
		{name: "integer", input: "USD 45", expected: "45"},
		{name: "decimals kept exactly", input: "$19.99", expected: "19.99"},
		{name: "no number", input: "<span>Call for price</span>", expected: ""},
		{name: "empty", input: "", expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractPrice(tt.input)
			if tt.expected == "" {
				if got.Valid {
					t.Fatalf("ExtractPrice(%q) = %s, want none", tt.input, got.Decimal)
				}
				return
			}
			want := decimal.RequireFromString(tt.expected)
			if !got.Valid || !got.Decimal.Equal(want) {
				t.Fatalf("ExtractPrice(%q) = %v, want %s", tt.input, got, want)
			}
		})
	}
}

func TestApplyTax(t *testing.T) {
	price := decimal.NewNullDecimal(decimal.NewFromInt(100))
	profile := func(included bool, phrases ...string) *config.StoreProfile {
		return &config.StoreProfile{
			StoreName:        "Test",
			TaxIncluded:      included,
			TaxRate:          decimal.RequireFromString("0.11"),
			TaxExemptPhrases: phrases,
		}
	}

	tests := []struct {
		name       string
		price      decimal.NullDecimal
		product    string
		profile    *config.StoreProfile
		wantBefore string
		wantAfter  string
	}{
		{name: "tax added", price: price, product: "SSD", profile: profile(false), wantBefore: "100", wantAfter: "111.00"},
		{name: "tax included", price: price, product: "SSD", profile: profile(true), wantBefore: "100", wantAfter: "100"},
		{name: "exempt phrase", price: price, product: "Store GIFT CARD 50", profile: profile(false, "gift card"), wantBefore: "100", wantAfter: "100"},
		{name: "exempt with tax included", price: price, product: "Gift Card", profile: profile(true, "gift card"), wantBefore: "100", wantAfter: "100"},
		{name: "no price", price: decimal.NullDecimal{}, product: "SSD", profile: profile(false)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before, after := ApplyTax(tt.price, tt.product, tt.profile)
			if tt.wantBefore == "" {
				if before.Valid || after.Valid {
					t.Fatalf("expected no prices, got %v/%v", before, after)
				}
				return
			}
			if !before.Decimal.Equal(decimal.RequireFromString(tt.wantBefore)) {
				t.Fatalf("before = %s, want %s", before.Decimal, tt.wantBefore)
			}
			if !after.Decimal.Equal(decimal.RequireFromString(tt.wantAfter)) {
				t.Fatalf("after = %s, want %s", after.Decimal, tt.wantAfter)
			}
		})
	}
}

func TestApplyTaxExactDecimal(t *testing.T) {
	profile := &config.StoreProfile{TaxRate: decimal.RequireFromString("0.11")}
	_, after := ApplyTax(decimal.NewNullDecimal(decimal.RequireFromString("0.10")), "cable", profile)
	if after.Decimal.String() != "0.111" {
		t.Fatalf("after = %s, want exact 0.111", after.Decimal)
	}
	_, after = ApplyTax(decimal.NewNullDecimal(decimal.NewFromInt(100)), "cable", profile)
	if after.Decimal.StringFixed(2) != "111.00" {
		t.Fatalf("after = %s, want 111.00", after.Decimal.StringFixed(2))
	}
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{input: "Headset", expected: "headset"},
		{input: "power-supplies", expected: "power-supplies"},
		{input: "Home TV  Monitor", expected: "home-tv-monitor"},
		{input: "Café Équipement", expected: "cafe-equipement"},
		{input: "  --RGB & Lighting-- ", expected: "rgb-lighting"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := Slugify(tt.input); got != tt.expected {
				t.Errorf("Slugify(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}
