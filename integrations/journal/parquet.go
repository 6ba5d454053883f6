package journal

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

type parquetRow struct {
	ID         int64  `parquet:"name=id, type=INT64"`
	Type       string `parquet:"name=type, type=BYTE_ARRAY, convertedtype=UTF8"`
	Batch      string `parquet:"name=batch, type=BYTE_ARRAY, convertedtype=UTF8"`
	Asset      string `parquet:"name=asset, type=BYTE_ARRAY, convertedtype=UTF8"`
	Round      int64  `parquet:"name=round, type=INT64"`
	Account    string `parquet:"name=account, type=BYTE_ARRAY, convertedtype=UTF8"`
	Amount     string `parquet:"name=amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	Target     string `parquet:"name=target, type=BYTE_ARRAY, convertedtype=UTF8"`
	Root       string `parquet:"name=root, type=BYTE_ARRAY, convertedtype=UTF8"`
	RecordedAt string `parquet:"name=recorded_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// ExportParquet writes the entries matching f to path and returns how many
// rows were written. Amounts stay decimal strings so 256-bit values survive.
func (j *Journal) ExportParquet(ctx context.Context, path string, f Filter) (int, error) {
	entries, err := j.Entries(ctx, f)
	if err != nil {
		return 0, err
	}
	return len(entries), WriteParquet(path, entries)
}

// WriteParquet writes entries to a snappy-compressed parquet file.
func WriteParquet(path string, entries []Entry) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("journal: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("journal: parquet schema: %w", err)
	}
	pw.RowGroupSize = 16 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, entry := range entries {
		row := &parquetRow{
			ID:         entry.ID,
			Type:       entry.Type,
			Batch:      entry.Batch,
			Asset:      entry.Asset,
			Round:      int64(entry.Round),
			Account:    entry.Account,
			Amount:     entry.Amount,
			Target:     entry.Attributes["target"],
			Root:       entry.Attributes["root"],
			RecordedAt: entry.RecordedAt.UTC().Format(time.RFC3339Nano),
		}
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("journal: write parquet row: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("journal: finalise parquet: %w", err)
	}
	return file.Close()
}
