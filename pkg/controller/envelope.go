package controller

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	maxContainerDepth = 1
	shapeSnippetLimit = 120
)

// Container keys probed, in order, when looking for a row collection.
var rowContainerKeys = []string{
	"result",
	"data",
	"list",
	"rows",
	"items",
	"records",
	"vouchers",
	"voucherList",
	"clients",
	"clientList",
	"devices",
}

// Envelope is a decoded controller response annotated with the observed HTTP status.
type Envelope struct {
	StatusCode int
	body       any
}

// NewEnvelope wraps an already decoded body.
func NewEnvelope(statusCode int, body any) Envelope {
	return Envelope{StatusCode: statusCode, body: body}
}

// DecodeEnvelope parses raw as JSON, keeping numbers as json.Number.
func DecodeEnvelope(endpoint string, statusCode int, raw []byte) (Envelope, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var body any
	if err := decoder.Decode(&body); err != nil {
		return Envelope{}, &ResponseShapeError{
			Endpoint:   endpoint,
			StatusCode: statusCode,
			Snippet:    snippet(raw),
			Err:        err,
		}
	}
	return Envelope{StatusCode: statusCode, body: body}, nil
}

// Body returns the decoded JSON value.
func (envelope Envelope) Body() any {
	return envelope.body
}

// IsSuccessful applies the success rules in priority order: HTTP status >= 400,
// numeric retCode/code (zero is success), boolean success, presence of error.
func IsSuccessful(envelope Envelope) bool {
	if envelope.StatusCode >= 400 {
		return false
	}
	object, isObject := envelope.body.(map[string]any)
	if !isObject {
		return true
	}
	for _, key := range []string{"retCode", "code"} {
		value, present := object[key]
		if !present {
			continue
		}
		if number, ok := toInt64(value); ok {
			return number == 0
		}
	}
	if success, ok := object["success"].(bool); ok {
		return success
	}
	if value, present := object["error"]; present && !isBlank(value) {
		return false
	}
	return true
}

// ExtractRows returns the first positional list found at the top level or inside
// known containers (at most one nested container deep). No list yields an empty Rows.
func ExtractRows(envelope Envelope) Rows {
	rows, found := rowsFrom(envelope.body, 0)
	if !found {
		return Rows{}
	}
	return rows
}

// ExtractPayload returns the object under data/result, or the top-level object.
func ExtractPayload(envelope Envelope) Row {
	object, isObject := envelope.body.(map[string]any)
	if !isObject {
		return Row{}
	}
	for _, key := range []string{"data", "result"} {
		if nested, ok := object[key].(map[string]any); ok {
			return Row(nested)
		}
	}
	return Row(object)
}

func envelopeObject(envelope Envelope) Row {
	object, _ := envelope.body.(map[string]any)
	return Row(object)
}

func rowsFrom(value any, depth int) (Rows, bool) {
	switch typed := value.(type) {
	case []any:
		return toRows(typed), true
	case map[string]any:
		if depth > maxContainerDepth {
			return nil, false
		}
		for _, key := range rowContainerKeys {
			nested, present := typed[key]
			if !present {
				continue
			}
			if rows, found := rowsFrom(nested, depth+1); found {
				return rows, true
			}
		}
	}
	return nil, false
}

func toRows(items []any) Rows {
	rows := make(Rows, 0, len(items))
	for _, item := range items {
		if object, ok := item.(map[string]any); ok {
			rows = append(rows, Row(object))
		}
	}
	return rows
}

// Row is one JSON object from a controller response.
type Row map[string]any

// Rows is a row collection extracted from an envelope.
type Rows []Row

// String returns the first non-blank scalar value among keys, formatted as text.
func (row Row) String(keys ...string) string {
	for _, key := range keys {
		value, present := row[key]
		if !present {
			continue
		}
		if text, ok := scalarText(value); ok && text != "" {
			return text
		}
	}
	return ""
}

// Int returns the first value among keys that reads as an integer.
func (row Row) Int(keys ...string) (int64, bool) {
	for _, key := range keys {
		if number, ok := toInt64(row[key]); ok {
			return number, true
		}
	}
	return 0, false
}

// Time returns the first value among keys that reads as a timestamp. Numbers are
// treated as epoch milliseconds or seconds by magnitude.
func (row Row) Time(keys ...string) (time.Time, bool) {
	for _, key := range keys {
		value, present := row[key]
		if !present {
			continue
		}
		if parsed, ok := toTime(value); ok {
			return parsed, true
		}
	}
	return time.Time{}, false
}

// Object returns the nested object under key.
func (row Row) Object(key string) (Row, bool) {
	nested, ok := row[key].(map[string]any)
	return Row(nested), ok
}

// List returns the nested rows under key.
func (row Row) List(key string) (Rows, bool) {
	nested, ok := row[key].([]any)
	if !ok {
		return nil, false
	}
	return toRows(nested), true
}

func scalarText(value any) (string, bool) {
	switch typed := value.(type) {
	case string:
		return strings.TrimSpace(typed), true
	case json.Number:
		return typed.String(), true
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64), true
	case int:
		return strconv.Itoa(typed), true
	case int64:
		return strconv.FormatInt(typed, 10), true
	case bool:
		return strconv.FormatBool(typed), true
	}
	return "", false
}

func toInt64(value any) (int64, bool) {
	switch typed := value.(type) {
	case json.Number:
		if number, err := typed.Int64(); err == nil {
			return number, true
		}
		if number, err := typed.Float64(); err == nil && number == math.Trunc(number) {
			return int64(number), true
		}
	case float64:
		if typed == math.Trunc(typed) {
			return int64(typed), true
		}
	case int:
		return int64(typed), true
	case int64:
		return typed, true
	case string:
		if number, err := strconv.ParseInt(strings.TrimSpace(typed), 10, 64); err == nil {
			return number, true
		}
	}
	return 0, false
}

func toTime(value any) (time.Time, bool) {
	if number, ok := toInt64(value); ok {
		switch {
		case number > 1e12:
			return time.UnixMilli(number).UTC(), true
		case number > 1e9:
			return time.Unix(number, 0).UTC(), true
		}
		return time.Time{}, false
	}
	text, ok := value.(string)
	if !ok {
		return time.Time{}, false
	}
	text = strings.TrimSpace(text)
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04:05"} {
		if parsed, err := time.ParseInLocation(layout, text, time.UTC); err == nil {
			return parsed.UTC(), true
		}
	}
	return time.Time{}, false
}

func isBlank(value any) bool {
	switch typed := value.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(typed) == ""
	case bool:
		return !typed
	case map[string]any:
		return len(typed) == 0
	case []any:
		return len(typed) == 0
	}
	return false
}

func snippet(raw []byte) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) <= shapeSnippetLimit {
		return string(trimmed)
	}
	cut := shapeSnippetLimit
	for cut > 0 && !utf8.RuneStart(trimmed[cut]) {
		cut--
	}
	return string(trimmed[:cut]) + "..."
}
