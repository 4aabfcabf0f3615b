package storage

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrWriteConflict is returned when a write could not acquire the database
// lock within the busy timeout.
var ErrWriteConflict = errors.New("write conflict")

// SourceRecord is one row of scraped_data. FormattedData is nil until a
// structured extraction has been stored for the row.
type SourceRecord struct {
	UniqueName    string          `json:"unique_name"`
	URL           string          `json:"url"`
	RawData       string          `json:"raw_data"`
	FormattedData json.RawMessage `json:"formatted_data,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	ContentLength int             `json:"content_length"`
	Success       bool            `json:"success"`
}

// Subpage is one row of the batch input table.
type Subpage struct {
	ID      int64  `json:"id"`
	FullURL string `json:"full_url"`
}
