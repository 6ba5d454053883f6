package exports

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"strconv"
	"time"

	"merkledrop/integrations/journal"
)

// JournalCSV builds a CSV export of journaled events and returns the
// serialised data alongside a SHA-256 checksum of the payload.
func JournalCSV(entries []journal.Entry) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	writer := csv.NewWriter(buffer)
	header := []string{"id", "type", "batch", "asset", "round", "account", "amount", "recorded_at"}
	if err := writer.Write(header); err != nil {
		return nil, "", err
	}
	for _, entry := range entries {
		amount := entry.Amount
		if amount == "" {
			amount = "0"
		}
		record := []string{
			strconv.FormatInt(entry.ID, 10),
			entry.Type,
			entry.Batch,
			entry.Asset,
			strconv.FormatUint(entry.Round, 10),
			entry.Account,
			amount,
			entry.RecordedAt.UTC().Format(time.RFC3339Nano),
		}
		if err := writer.Write(record); err != nil {
			return nil, "", err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, "", err
	}
	data := buffer.Bytes()
	checksum := sha256.Sum256(data)
	return data, hex.EncodeToString(checksum[:]), nil
}
