package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	entries := []Entry{}

	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}

	return entries, nil
}

func scanEntry(rows *sql.Rows) (Entry, error) {
	var e Entry
	var timestamp string
	var request string

	if err := rows.Scan(&e.ID, &timestamp, &e.InvocationID, &e.Mode, &e.ChainID, &e.Sender,
		&e.Decision, &e.PolicyID, &e.Reason, &request); err != nil {
		return Entry{}, fmt.Errorf("scan row: %w", err)
	}

	parsedTime, err := parseTimestamp(timestamp)
	if err != nil {
		return Entry{}, err
	}
	e.Timestamp = parsedTime

	e.Request = json.RawMessage(request)

	return e, nil
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

func parseTimestamp(timestamp string) (time.Time, error) {
	t, err := time.Parse(timestampLayout, timestamp)
	if err == nil {
		return t, nil
	}

	// Rows written without fractional seconds
	t, err = time.Parse(time.RFC3339, timestamp)
	if err == nil {
		return t, nil
	}

	t, err = time.Parse("2006-01-02 15:04:05", timestamp)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp: %w", err)
	}

	return t, nil
}
