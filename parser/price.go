package parser

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/aluiziolira/storefront-scraper/config"
	"github.com/shopspring/decimal"
	"golang.org/x/net/html"
)

var (
	priceRegex      = regexp.MustCompile(`\d[\d,]*(?:\.\d+)?`)
	whitespaceRegex = regexp.MustCompile(`\s+`)
)

// CleanHTML strips markup, joining text nodes with a space and collapsing
// whitespace.
func CleanHTML(markup string) string {
	if strings.TrimSpace(markup) == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return collapse(markup)
	}

	var parts []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			if text := strings.TrimSpace(n.Data); text != "" {
				parts = append(parts, text)
			}
			return
		case html.ElementNode:
			if n.Data == "script" || n.Data == "style" {
				return
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	for _, n := range doc.Nodes {
		walk(n)
	}
	return collapse(strings.Join(parts, " "))
}

func collapse(text string) string {
	return strings.TrimSpace(whitespaceRegex.ReplaceAllString(text, " "))
}

// ExtractPrice returns the first numeric amount found in the price markup.
// The result is invalid when the markup carries no parseable number.
func ExtractPrice(markup string) decimal.NullDecimal {
	text := CleanHTML(markup)
	if text == "" {
		return decimal.NullDecimal{}
	}
	match := priceRegex.FindString(text)
	if match == "" {
		return decimal.NullDecimal{}
	}
	price, err := decimal.NewFromString(strings.ReplaceAll(match, ",", ""))
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(price)
}

// IsTaxExempt reports whether productName contains one of the profile's
// exempt phrases, ignoring case.
func IsTaxExempt(productName string, phrases []string) bool {
	if productName == "" {
		return false
	}
	name := strings.ToLower(productName)
	for _, phrase := range phrases {
		phrase = strings.ToLower(strings.TrimSpace(phrase))
		if phrase != "" && strings.Contains(name, phrase) {
			return true
		}
	}
	return false
}

// ApplyTax derives the pre-tax and final prices for a product of the given
// store. Exempt products and tax-inclusive stores keep the scraped price
// for both values.
func ApplyTax(price decimal.NullDecimal, productName string, profile *config.StoreProfile) (beforeTax, afterTax decimal.NullDecimal) {
	if !price.Valid {
		return decimal.NullDecimal{}, decimal.NullDecimal{}
	}
	if profile == nil || profile.TaxIncluded || IsTaxExempt(productName, profile.TaxExemptPhrases) {
		return price, price
	}
	factor := decimal.NewFromInt(1).Add(profile.TaxRate)
	return price, decimal.NewNullDecimal(price.Decimal.Mul(factor))
}
