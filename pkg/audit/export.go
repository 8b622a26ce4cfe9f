package audit

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// csvColumns pairs every export column with the field it reads, so the
// header row and the data rows cannot drift apart. Column names match the
// JSON field names, keeping the three export formats consistent.
var csvColumns = []struct {
	name  string
	value func(*Event) string
}{
	{"id", func(e *Event) string { return strconv.FormatInt(e.ID, 10) }},
	{"timestamp", func(e *Event) string { return e.Timestamp.UTC().Format(time.RFC3339) }},
	{"event_type", func(e *Event) string { return string(e.EventType) }},
	{"status", func(e *Event) string { return string(e.Status) }},
	{"provider", func(e *Event) string { return e.Provider }},
	{"external_id", func(e *Event) string { return e.ExternalID }},
	{"user_id", func(e *Event) string { return e.UserID }},
	{"sso_request_id", func(e *Event) string { return e.SSORequestID }},
	{"ip_address", func(e *Event) string { return e.IPAddress }},
	{"user_agent", func(e *Event) string { return e.UserAgent }},
	{"request_id", func(e *Event) string { return e.RequestID }},
	{"method", func(e *Event) string { return e.Method }},
	{"path", func(e *Event) string { return e.Path }},
	{"message", func(e *Event) string { return e.Message }},
	{"error_message", func(e *Event) string { return e.ErrorMessage }},
}

// exportJSON renders events as an indented JSON array. An empty result is
// an empty array, not null, since the output lands in a downloaded file.
func exportJSON(events []*Event) ([]byte, error) {
	if events == nil {
		events = []*Event{}
	}
	return json.MarshalIndent(events, "", "  ")
}

// exportNDJSON renders one JSON object per line, the shape log shippers
// and jq take directly.
func exportNDJSON(events []*Event) ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	for _, event := range events {
		if err := encoder.Encode(event); err != nil {
			return nil, fmt.Errorf("encode event: %w", err)
		}
	}
	return buf.Bytes(), nil
}

// exportCSV renders events as CSV with a header row.
func exportCSV(events []*Event) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)

	header := make([]string, len(csvColumns))
	for i, col := range csvColumns {
		header[i] = col.name
	}
	if err := writer.Write(header); err != nil {
		return nil, fmt.Errorf("write CSV header: %w", err)
	}

	row := make([]string, len(csvColumns))
	for _, event := range events {
		for i, col := range csvColumns {
			row[i] = col.value(event)
		}
		if err := writer.Write(row); err != nil {
			return nil, fmt.Errorf("write CSV row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("flush CSV: %w", err)
	}
	return buf.Bytes(), nil
}
