package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// ProfileVersion is the profile file schema understood by this build.
const ProfileVersion = 1

const (
	defaultMaxRetries = 3
	defaultTimeout    = 15 * time.Second
	defaultRetryDelay = 2 * time.Second
	defaultTaxRate    = "0.11"
)

// StoreProfile is the static configuration of one store. It is filled once
// at startup; only endpoint discovery writes to it afterwards, before any
// crawl starts.
type StoreProfile struct {
	StoreName         string
	StoreType         string
	BaseURL           string
	Endpoint          string
	Discovered        bool
	AutoDiscover      bool
	Categories        []string
	Headers           map[string]string
	Currency          string
	TaxIncluded       bool
	TaxRate           decimal.Decimal
	TaxExemptPhrases  []string
	MaxRetries        int
	Timeout           time.Duration
	RetryDelay        time.Duration
	RequestsPerSecond float64
}

// profileEntry is the YAML form of a StoreProfile.
type profileEntry struct {
	StoreName         string            `yaml:"store_name"`
	StoreType         string            `yaml:"store_type"`
	BaseURL           string            `yaml:"base_url"`
	Endpoint          string            `yaml:"endpoint"`
	AutoDiscover      *bool             `yaml:"auto_discover"`
	Categories        []string          `yaml:"categories"`
	Headers           map[string]string `yaml:"headers"`
	Currency          string            `yaml:"currency"`
	TaxIncluded       bool              `yaml:"tax_included"`
	TaxRate           string            `yaml:"tax_rate"`
	TaxExemptPhrases  []string          `yaml:"tax_exempt_phrases"`
	MaxRetries        *int              `yaml:"max_retries"`
	Timeout           time.Duration     `yaml:"timeout"`
	RetryDelay        time.Duration     `yaml:"retry_delay"`
	RequestsPerSecond float64           `yaml:"requests_per_second"`
}

type profileFile struct {
	Version int            `yaml:"version"`
	Stores  []profileEntry `yaml:"stores"`
}

// LoadProfiles reads store profiles from a YAML file.
func LoadProfiles(path string, userAgent string) ([]*StoreProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profiles %s: %w", path, err)
	}
	return ParseProfiles(data, userAgent)
}

// ParseProfiles decodes and validates a YAML profile document.
func ParseProfiles(data []byte, userAgent string) ([]*StoreProfile, error) {
	var file profileFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode profiles: %w", err)
	}
	if file.Version != ProfileVersion {
		return nil, fmt.Errorf("unsupported profile version %d (want %d)", file.Version, ProfileVersion)
	}
	if len(file.Stores) == 0 {
		return nil, fmt.Errorf("profile file defines no stores")
	}

	seen := make(map[string]struct{}, len(file.Stores))
	profiles := make([]*StoreProfile, 0, len(file.Stores))
	for _, entry := range file.Stores {
		profile, err := entry.build(userAgent)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[profile.StoreName]; dup {
			return nil, fmt.Errorf("duplicate store %q", profile.StoreName)
		}
		seen[profile.StoreName] = struct{}{}
		profiles = append(profiles, profile)
	}
	return profiles, nil
}

func (s profileEntry) build(userAgent string) (*StoreProfile, error) {
	rateText := strings.TrimSpace(s.TaxRate)
	if rateText == "" {
		rateText = defaultTaxRate
	}
	rate, err := decimal.NewFromString(rateText)
	if err != nil {
		return nil, fmt.Errorf("store %q: invalid tax rate %q: %w", s.StoreName, s.TaxRate, err)
	}

	p := &StoreProfile{
		StoreName:         strings.TrimSpace(s.StoreName),
		StoreType:         s.StoreType,
		BaseURL:           strings.TrimRight(strings.TrimSpace(s.BaseURL), "/"),
		Endpoint:          strings.TrimSpace(s.Endpoint),
		AutoDiscover:      true,
		Categories:        s.Categories,
		Headers:           s.Headers,
		Currency:          s.Currency,
		TaxIncluded:       s.TaxIncluded,
		TaxRate:           rate,
		TaxExemptPhrases:  s.TaxExemptPhrases,
		MaxRetries:        defaultMaxRetries,
		Timeout:           s.Timeout,
		RetryDelay:        s.RetryDelay,
		RequestsPerSecond: s.RequestsPerSecond,
	}
	if s.AutoDiscover != nil {
		p.AutoDiscover = *s.AutoDiscover
	}
	if s.MaxRetries != nil {
		p.MaxRetries = *s.MaxRetries
	}
	p.applyDefaults(userAgent)
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *StoreProfile) applyDefaults(userAgent string) {
	if p.StoreType == "" {
		p.StoreType = "general"
	}
	if p.Currency == "" {
		p.Currency = "USD"
	}
	if p.Timeout == 0 {
		p.Timeout = defaultTimeout
	}
	if p.RetryDelay == 0 {
		p.RetryDelay = defaultRetryDelay
	}
	if p.Endpoint == "" && p.BaseURL != "" {
		p.Endpoint = p.BaseURL + "/wp-json/wc/store/products"
	}
	if p.Headers == nil {
		p.Headers = make(map[string]string)
	}
	if _, ok := p.Headers["User-Agent"]; !ok && userAgent != "" {
		p.Headers["User-Agent"] = userAgent
	}
}

// Validate ensures the profile can be crawled.
func (p *StoreProfile) Validate() error {
	if p.StoreName == "" {
		return fmt.Errorf("store name cannot be empty")
	}
	if len(p.Categories) == 0 {
		return fmt.Errorf("store %q: no categories", p.StoreName)
	}
	for _, c := range p.Categories {
		if strings.TrimSpace(c) == "" {
			return fmt.Errorf("store %q: empty category", p.StoreName)
		}
	}
	if p.Endpoint == "" {
		return fmt.Errorf("store %q: endpoint or base URL required", p.StoreName)
	}
	parsed, err := url.Parse(p.Endpoint)
	if err != nil || parsed.Host == "" {
		return fmt.Errorf("store %q: invalid endpoint %q", p.StoreName, p.Endpoint)
	}
	if p.MaxRetries < 1 {
		return fmt.Errorf("store %q: max retries must be at least 1", p.StoreName)
	}
	if p.Timeout <= 0 {
		return fmt.Errorf("store %q: timeout must be positive", p.StoreName)
	}
	if p.RetryDelay < 0 {
		return fmt.Errorf("store %q: retry delay cannot be negative", p.StoreName)
	}
	if p.TaxRate.IsNegative() {
		return fmt.Errorf("store %q: tax rate cannot be negative", p.StoreName)
	}
	if p.RequestsPerSecond < 0 {
		return fmt.Errorf("store %q: requests per second cannot be negative", p.StoreName)
	}
	return nil
}

// FindProfile returns the profile named store.
func FindProfile(profiles []*StoreProfile, store string) (*StoreProfile, error) {
	names := make([]string, 0, len(profiles))
	for _, p := range profiles {
		if p.StoreName == store {
			return p, nil
		}
		names = append(names, p.StoreName)
	}
	return nil, fmt.Errorf("unknown store %q (available: %s)", store, strings.Join(names, ", "))
}

// DefaultProfiles returns the built-in store set.
func DefaultProfiles(userAgent string) []*StoreProfile {
	pcAndParts := &StoreProfile{
		StoreName:    "PC and Parts",
		StoreType:    "tech",
		BaseURL:      "https://pcandparts.com",
		Endpoint:     "https://pcandparts.com/wp-json/wc/store/products",
		AutoDiscover: true,
		Categories: []string{
			"computer-cases", "cooling", "cpu", "ram", "motherboard",
			"power-supplies", "storage", "video-card", "home-tv-monitor",
			"camera", "ipad", "ipod", "mobile-phone", "tablet", "watch",
			"barcode-reader", "flash-memory", "keyboard-mouse", "monitor",
			"keyboard", "Headset", "speaker", "access-point", "desktops",
			"laptops", "accessories", "software",
		},
		TaxIncluded: false,
		TaxRate:     decimal.RequireFromString(defaultTaxRate),
		MaxRetries:  defaultMaxRetries,
	}
	expertZone := &StoreProfile{
		StoreName:    "Expert Zone",
		StoreType:    "tech",
		BaseURL:      "https://ezonelb.com",
		Endpoint:     "https://ezonelb.com/wp-json/wc/store/products",
		AutoDiscover: true,
		Categories: []string{
			"accessories", "desktop-laptop-vr", "screens", "computer-parts",
			"external-hdd", "converters", "cables", "power-charging", "network",
			"printers", "ups", "security-softwares", "office-pos",
			"surveillance-camera", "openbox-products", "rgb-lighting-acc",
			"gaming-furniture", "laptop-parts",
		},
		TaxIncluded:      true,
		TaxRate:          decimal.RequireFromString(defaultTaxRate),
		TaxExemptPhrases: []string{"gift card"},
		MaxRetries:       defaultMaxRetries,
	}

	profiles := []*StoreProfile{expertZone, pcAndParts}
	for _, p := range profiles {
		p.applyDefaults(userAgent)
	}
	return profiles
}
