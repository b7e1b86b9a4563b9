// Package batchio reads resolution batches from CSV and XLSX files and writes
// resolved rows back out as CSV.
package batchio

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/companyid/internal/model"
)

// Table is a decoded batch: the header in file order and one Row per line.
type Table struct {
	Header []string
	Rows   []model.Row
}

// ReadFile decodes a batch file, choosing the parser by extension.
func ReadFile(ctx context.Context, path string) (*Table, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx":
		return ReadXLSX(path, XLSXOptions{})
	case ".csv", ".txt", "":
		f, err := os.Open(path)
		if err != nil {
			return nil, eris.Wrapf(err, "batchio: open %s", path)
		}
		defer f.Close() //nolint:errcheck
		return ReadCSV(ctx, f, CSVOptions{TrimSpace: true})
	case ".tsv":
		f, err := os.Open(path)
		if err != nil {
			return nil, eris.Wrapf(err, "batchio: open %s", path)
		}
		defer f.Close() //nolint:errcheck
		return ReadCSV(ctx, f, CSVOptions{Delimiter: '\t', TrimSpace: true})
	default:
		return nil, eris.Errorf("batchio: unsupported file type %q", filepath.Ext(path))
	}
}

// toRow maps cells onto header names. Missing trailing cells are null and
// cells beyond the header are dropped.
func toRow(header, cells []string) model.Row {
	row := make(model.Row, len(header))
	for i, col := range header {
		if col == "" {
			continue
		}
		if i < len(cells) {
			row[col] = cells[i]
		} else {
			row[col] = ""
		}
	}
	return row
}

func cleanHeader(cells []string) ([]string, error) {
	header := make([]string, len(cells))
	seen := make(map[string]bool, len(cells))
	for i, c := range cells {
		c = strings.TrimSpace(strings.TrimPrefix(c, "\ufeff"))
		if c != "" && seen[c] {
			return nil, eris.Errorf("batchio: duplicate column %q", c)
		}
		seen[c] = true
		header[i] = c
	}
	return header, nil
}

func blank(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
