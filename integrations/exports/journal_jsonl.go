package exports

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"merkledrop/integrations/journal"
)

// JournalJSONL builds a JSON Lines export of journaled events, one object per
// event carrying every attribute, and returns it alongside a checksum.
func JournalJSONL(entries []journal.Entry) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	encoder := json.NewEncoder(buffer)
	encoder.SetEscapeHTML(false)
	for _, entry := range entries {
		payload := map[string]interface{}{
			"id":          entry.ID,
			"type":        entry.Type,
			"attributes":  entry.Attributes,
			"recorded_at": entry.RecordedAt.UTC().Format(time.RFC3339Nano),
		}
		if err := encoder.Encode(payload); err != nil {
			return nil, "", err
		}
	}
	data := buffer.Bytes()
	checksum := sha256.Sum256(data)
	return data, hex.EncodeToString(checksum[:]), nil
}
