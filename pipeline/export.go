package pipeline

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/aluiziolira/storefront-scraper/models"
)

// Export formats.
const (
	FormatCSV  = "csv"
	FormatJSON = "json"
	FormatDual = "dual"
)

const exportTimestamp = "20060102_150405"

// FileSlug turns a store name into the prefix of its export files.
func FileSlug(store string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(store)), " ", "_")
}

// ExportSet names the files of one export.
type ExportSet struct {
	CSV  string
	JSON string
}

func exportSet(dir, store, format, suffix string) (ExportSet, error) {
	base := filepath.Join(dir, FileSlug(store)+"_products_"+suffix)
	switch format {
	case FormatCSV, "":
		return ExportSet{CSV: base + ".csv"}, nil
	case FormatJSON:
		return ExportSet{JSON: base + ".jsonl"}, nil
	case FormatDual:
		return ExportSet{CSV: base + ".csv", JSON: base + ".jsonl"}, nil
	default:
		return ExportSet{}, fmt.Errorf("unsupported export format %q", format)
	}
}

// NewOutputWriter opens the writer matching set.
func NewOutputWriter(set ExportSet) (OutputWriter, error) {
	switch {
	case set.CSV != "" && set.JSON != "":
		return NewDualWriter(set.CSV, set.JSON)
	case set.CSV != "":
		return NewCSVWriter(set.CSV)
	case set.JSON != "":
		return NewJSONWriter(set.JSON)
	default:
		return nil, errors.New("export set names no files")
	}
}

// Exporter writes a run's records to a timestamped file set and to a
// "latest" file set that is overwritten on every run.
type Exporter struct {
	dir    string
	format string
	now    func() time.Time
}

// NewExporter returns an exporter writing format files under dir.
func NewExporter(dir, format string) *Exporter {
	return &Exporter{dir: dir, format: format, now: time.Now}
}

// Export writes records and returns the paths written.
func (e *Exporter) Export(store string, records []models.ProductRecord) ([]string, error) {
	stamped, err := exportSet(e.dir, store, e.format, e.now().Format(exportTimestamp))
	if err != nil {
		return nil, err
	}
	latest, err := exportSet(e.dir, store, e.format, "latest")
	if err != nil {
		return nil, err
	}

	var written []string
	for _, set := range []ExportSet{stamped, latest} {
		if err := writeSet(set, records); err != nil {
			return written, err
		}
		for _, path := range []string{set.CSV, set.JSON} {
			if path != "" {
				written = append(written, path)
			}
		}
	}
	return written, nil
}

func writeSet(set ExportSet, records []models.ProductRecord) error {
	writer, err := NewOutputWriter(set)
	if err != nil {
		return err
	}

	p := NewPipeline(writer)
	p.Start(1)
	procErr := p.Process(records)
	closeErr := p.Close()
	writerErr := writer.Close()
	if err := errors.Join(procErr, closeErr, writerErr); err != nil {
		return fmt.Errorf("export %s: %w", firstPath(set), err)
	}
	return writer.Validate()
}

func firstPath(set ExportSet) string {
	if set.CSV != "" {
		return set.CSV
	}
	return set.JSON
}
