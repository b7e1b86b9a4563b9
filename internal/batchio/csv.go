package batchio

import (
	"context"
	"encoding/csv"
	"io"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/companyid/internal/model"
)

// CSVOptions configures the CSV parser.
type CSVOptions struct {
	Delimiter  rune // default ','
	Comment    rune // comment character (0 = none)
	LazyQuotes bool
	TrimSpace  bool
}

func newCSVReader(r io.Reader, opts CSVOptions) *csv.Reader {
	reader := csv.NewReader(r)
	if opts.Delimiter != 0 {
		reader.Comma = opts.Delimiter
	}
	if opts.Comment != 0 {
		reader.Comment = opts.Comment
	}
	reader.LazyQuotes = opts.LazyQuotes
	reader.FieldsPerRecord = -1 // allow variable fields
	return reader
}

// StreamCSV reads a CSV with a header line and sends one Row per record.
// The header is sent first on headerCh, which must be buffered or consumed.
// Both row and error channels are closed when processing completes.
func StreamCSV(ctx context.Context, r io.Reader, opts CSVOptions, headerCh chan<- []string) (<-chan model.Row, <-chan error) {
	rowCh := make(chan model.Row, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(rowCh)
		defer close(errCh)

		reader := newCSVReader(r, opts)
		var header []string
		for {
			if ctx.Err() != nil {
				errCh <- eris.Wrap(ctx.Err(), "batchio: csv: context cancelled")
				return
			}

			record, err := reader.Read()
			if err == io.EOF {
				if header == nil {
					errCh <- eris.New("batchio: csv: missing header")
				}
				return
			}
			if err != nil {
				errCh <- eris.Wrap(err, "batchio: csv: read row")
				return
			}

			if header == nil {
				header, err = cleanHeader(record)
				if err != nil {
					errCh <- err
					return
				}
				if headerCh != nil {
					select {
					case headerCh <- header:
					case <-ctx.Done():
						errCh <- eris.Wrap(ctx.Err(), "batchio: csv: context cancelled sending header")
						return
					}
				}
				continue
			}
			if blank(record) {
				continue
			}

			if opts.TrimSpace {
				for i, field := range record {
					record[i] = strings.TrimSpace(field)
				}
			}

			select {
			case rowCh <- toRow(header, record):
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "batchio: csv: context cancelled")
				return
			}
		}
	}()

	return rowCh, errCh
}

// ReadCSV reads a whole CSV batch into memory.
func ReadCSV(ctx context.Context, r io.Reader, opts CSVOptions) (*Table, error) {
	headerCh := make(chan []string, 1)
	rowCh, errCh := StreamCSV(ctx, r, opts, headerCh)

	t := &Table{}
	for row := range rowCh {
		t.Rows = append(t.Rows, row)
	}
	for err := range errCh {
		if err != nil {
			return nil, err
		}
	}
	select {
	case t.Header = <-headerCh:
	default:
	}
	return t, nil
}

// WriteCSV writes rows under header. Columns in extra that the header lacks
// are appended in order.
func WriteCSV(w io.Writer, header []string, rows []model.Row, extra ...string) error {
	cols := append([]string(nil), header...)
	have := make(map[string]bool, len(cols))
	for _, c := range cols {
		have[c] = true
	}
	for _, c := range extra {
		if c != "" && !have[c] {
			cols = append(cols, c)
			have[c] = true
		}
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(cols); err != nil {
		return eris.Wrap(err, "batchio: csv: write header")
	}
	record := make([]string, len(cols))
	for _, row := range rows {
		for i, c := range cols {
			record[i] = row[c]
		}
		if err := cw.Write(record); err != nil {
			return eris.Wrap(err, "batchio: csv: write row")
		}
	}
	cw.Flush()
	return eris.Wrap(cw.Error(), "batchio: csv: flush")
}
