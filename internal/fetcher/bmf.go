package fetcher

import (
	"context"
	"encoding/csv"
	"io"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/uabbasi/good-measure-giving/internal/model"
)

// BMFRecord is one row of the IRS Exempt Organizations Business Master File.
// Only the columns the pipeline consumes are mapped.
type BMFRecord struct {
	EIN      string
	Name     string
	City     string
	State    string
	NTEECode string
	Revenue  int64
}

// bmf column positions by header name, resolved from the first row so the
// parser survives the IRS reordering columns between releases.
type bmfColumns struct {
	ein, name, city, state, ntee, revenue int
}

func resolveBMFColumns(header []string) (bmfColumns, error) {
	cols := bmfColumns{ein: -1, name: -1, city: -1, state: -1, ntee: -1, revenue: -1}
	for i, h := range header {
		switch strings.ToUpper(strings.TrimSpace(h)) {
		case "EIN":
			cols.ein = i
		case "NAME":
			cols.name = i
		case "CITY":
			cols.city = i
		case "STATE":
			cols.state = i
		case "NTEE_CD":
			cols.ntee = i
		case "REVENUE_AMT":
			cols.revenue = i
		}
	}
	if cols.ein == -1 || cols.name == -1 {
		return cols, eris.Errorf("bmf: header missing EIN or NAME column: %v", header)
	}
	return cols, nil
}

// StreamBMF reads a Business Master File CSV and sends parsed records to a
// channel. Rows with an unparseable EIN are skipped, not fatal; the IRS file
// routinely carries a handful of malformed rows.
// Both channels are closed when processing completes.
func StreamBMF(ctx context.Context, r io.Reader) (<-chan BMFRecord, <-chan error) {
	recCh := make(chan BMFRecord, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(recCh)
		defer close(errCh)

		reader := csv.NewReader(r)
		reader.FieldsPerRecord = -1
		reader.LazyQuotes = true

		header, err := reader.Read()
		if err != nil {
			if err == io.EOF {
				return
			}
			errCh <- eris.Wrap(err, "bmf: read header")
			return
		}

		cols, err := resolveBMFColumns(header)
		if err != nil {
			errCh <- err
			return
		}

		for {
			if ctx.Err() != nil {
				errCh <- eris.Wrap(ctx.Err(), "bmf: context cancelled")
				return
			}

			row, err := reader.Read()
			if err == io.EOF {
				return
			}
			if err != nil {
				errCh <- eris.Wrap(err, "bmf: read row")
				return
			}

			rec, ok := parseBMFRow(row, cols)
			if !ok {
				continue
			}

			select {
			case recCh <- rec:
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "bmf: context cancelled")
				return
			}
		}
	}()

	return recCh, errCh
}

func parseBMFRow(row []string, cols bmfColumns) (BMFRecord, bool) {
	field := func(i int) string {
		if i < 0 || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	ein, err := model.NormalizeEIN(field(cols.ein))
	if err != nil {
		return BMFRecord{}, false
	}

	rec := BMFRecord{
		EIN:      ein,
		Name:     field(cols.name),
		City:     field(cols.city),
		State:    field(cols.state),
		NTEECode: field(cols.ntee),
	}
	if rec.Name == "" {
		return BMFRecord{}, false
	}

	if rev := field(cols.revenue); rev != "" {
		if n, err := strconv.ParseInt(rev, 10, 64); err == nil {
			rec.Revenue = n
		}
	}

	return rec, true
}

// Org converts a BMF record into the pipeline's organization model.
func (r BMFRecord) Org() model.Org {
	return model.Org{
		EIN:   r.EIN,
		Name:  r.Name,
		State: r.State,
		NTEE:  r.NTEECode,
	}
}
