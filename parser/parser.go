package parser

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/aluiziolira/storefront-scraper/models"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// ValidateRecord ensures the fetcher captured the fields storage keys on.
func ValidateRecord(r *models.ProductRecord) error {
	if r == nil {
		return fmt.Errorf("record is nil")
	}
	if strings.TrimSpace(r.ProductID) == "" {
		return fmt.Errorf("record missing product id")
	}
	if strings.TrimSpace(r.StoreName) == "" {
		return fmt.Errorf("record %s missing store name", r.ProductID)
	}
	if strings.TrimSpace(r.ProductName) == "" {
		return fmt.Errorf("record %s missing product name", r.ProductID)
	}
	if strings.TrimSpace(r.Category) == "" {
		return fmt.Errorf("record %s missing category", r.ProductID)
	}
	return nil
}

// Slugify lowercases name, drops accents and joins words with hyphens.
func Slugify(name string) string {
	// Chains hold buffers, so each call builds its own.
	stripMarks := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(stripMarks, name)
	if err != nil {
		folded = name
	}

	var b strings.Builder
	pendingDash := false
	for _, r := range strings.ToLower(folded) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingDash && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingDash = false
			b.WriteRune(r)
			continue
		}
		pendingDash = true
	}
	return b.String()
}
