package ingest

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"
)

func buildWorkbook(t *testing.T, addrs []string) *bytes.Buffer {
	t.Helper()
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("emails")
	require.NoError(t, err)
	for _, addr := range addrs {
		row := sheet.AddRow()
		row.AddCell().Value = addr
	}
	var buf bytes.Buffer
	require.NoError(t, f.Write(&buf))
	return &buf
}

func TestStreamXLSXRowBatch(t *testing.T) {
	addrs := []string{"a@x.com", "b@x.com", "c@x.com"}

	// The batch size caps how many decoded rows sit ahead of the consumer;
	// a batch smaller than the sheet still delivers every row.
	rowCh, errCh := StreamXLSX(context.Background(), buildWorkbook(t, addrs), 2)
	var got []string
	for row := range rowCh {
		require.NotEmpty(t, row)
		got = append(got, row[0])
	}
	require.NoError(t, <-errCh)
	assert.Equal(t, addrs, got)
}

func TestStreamXLSXRowBatchDefaulted(t *testing.T) {
	rowCh, errCh := StreamXLSX(context.Background(), buildWorkbook(t, []string{"a@x.com"}), 0)
	var got []string
	for row := range rowCh {
		got = append(got, row[0])
	}
	require.NoError(t, <-errCh)
	assert.Equal(t, []string{"a@x.com"}, got)
}
