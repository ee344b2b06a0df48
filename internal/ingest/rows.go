// Package ingest turns one uploaded email list into cached-result files and
// bounded pending-verification chunks.
package ingest

import (
	"bufio"
	"context"
	"encoding/csv"
	"io"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
)

// StreamDelimited reads delimiter-separated rows and sends them to a
// channel. Caller must consume the returned row channel; errors are sent on
// the error channel. Both channels are closed when processing completes.
func StreamDelimited(ctx context.Context, r io.Reader, delimiter rune) (<-chan []string, <-chan error) {
	rowCh := make(chan []string, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(rowCh)
		defer close(errCh)

		reader := csv.NewReader(r)
		if delimiter != 0 {
			reader.Comma = delimiter
		}
		reader.LazyQuotes = true
		reader.FieldsPerRecord = -1 // allow variable fields

		for {
			if ctx.Err() != nil {
				errCh <- eris.Wrap(ctx.Err(), "ingest: context cancelled")
				return
			}

			record, err := reader.Read()
			if err == io.EOF {
				return
			}
			if err != nil {
				errCh <- eris.Wrap(err, "ingest: read row")
				return
			}
			for i, field := range record {
				record[i] = strings.TrimSpace(field)
			}

			select {
			case rowCh <- record:
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "ingest: context cancelled")
				return
			}
		}
	}()

	return rowCh, errCh
}

// StreamLines reads one address per line. Used for .txt uploads where quote
// characters must not be interpreted.
func StreamLines(ctx context.Context, r io.Reader) (<-chan []string, <-chan error) {
	rowCh := make(chan []string, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(rowCh)
		defer close(errCh)

		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			if ctx.Err() != nil {
				errCh <- eris.Wrap(ctx.Err(), "ingest: context cancelled")
				return
			}
			select {
			case rowCh <- []string{strings.TrimSpace(scanner.Text())}:
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "ingest: context cancelled")
				return
			}
		}
		if err := scanner.Err(); err != nil {
			errCh <- eris.Wrap(err, "ingest: read line")
		}
	}()

	return rowCh, errCh
}

// StreamXLSX reads the first sheet of a spreadsheet and sends rows to a
// channel. The file format requires full decompression, so the raw bytes are
// held in memory; rows are still delivered incrementally, with at most
// rowBatch decoded rows buffered ahead of the consumer.
func StreamXLSX(ctx context.Context, r io.Reader, rowBatch int) (<-chan []string, <-chan error) {
	if rowBatch <= 0 {
		rowBatch = 64
	}
	rowCh := make(chan []string, rowBatch)
	errCh := make(chan error, 1)

	go func() {
		defer close(rowCh)
		defer close(errCh)

		data, err := io.ReadAll(r)
		if err != nil {
			errCh <- eris.Wrap(err, "ingest: read xlsx")
			return
		}
		f, err := xlsx.OpenBinary(data)
		if err != nil {
			errCh <- eris.Wrap(err, "ingest: open xlsx")
			return
		}
		if len(f.Sheets) == 0 {
			errCh <- eris.New("ingest: xlsx has no sheets")
			return
		}

		for _, row := range f.Sheets[0].Rows {
			if ctx.Err() != nil {
				errCh <- eris.Wrap(ctx.Err(), "ingest: context cancelled")
				return
			}
			cells := make([]string, len(row.Cells))
			for j, cell := range row.Cells {
				cells[j] = strings.TrimSpace(cell.String())
			}
			select {
			case rowCh <- cells:
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "ingest: context cancelled")
				return
			}
		}
	}()

	return rowCh, errCh
}

// streamFor selects the row stream strategy for the upload format, once per
// upload.
func streamFor(ctx context.Context, r io.Reader, format string, xlsxRowBatch int) (<-chan []string, <-chan error, error) {
	switch format {
	case "csv":
		rowCh, errCh := StreamDelimited(ctx, r, ',')
		return rowCh, errCh, nil
	case "tsv":
		rowCh, errCh := StreamDelimited(ctx, r, '\t')
		return rowCh, errCh, nil
	case "txt":
		rowCh, errCh := StreamLines(ctx, r)
		return rowCh, errCh, nil
	case "xlsx":
		rowCh, errCh := StreamXLSX(ctx, r, xlsxRowBatch)
		return rowCh, errCh, nil
	default:
		return nil, nil, eris.Errorf("ingest: unsupported input format %q", format)
	}
}
