package convex

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/oicur0t/convexlogs/internal/logfmt"
	"github.com/oicur0t/convexlogs/pkg/models"
)

// Wire-shape timestamps below this are taken to be seconds rather than
// milliseconds.
const millisThreshold = 1e11

// DecodeStream parses a stream_function_logs response body. Only a body that
// is not a JSON object is an error; individual fields and entries that fail
// to parse fall back to defaults. A missing cursor falls back to cursor.
func DecodeStream(body []byte, endpoint string, cursor int64) (models.StreamResponse, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return models.StreamResponse{}, fmt.Errorf("failed to decode log stream response: %w", err)
	}

	resp := models.StreamResponse{NewCursor: cursor}
	if raw, ok := envelope["newCursor"]; ok {
		if c, ok := decodeNumber(raw); ok {
			resp.NewCursor = int64(c)
		}
	}

	var rawEntries []json.RawMessage
	if raw, ok := envelope["entries"]; ok {
		_ = json.Unmarshal(raw, &rawEntries)
	}

	resp.Entries = make([]models.LogEntry, 0, len(rawEntries))
	for _, raw := range rawEntries {
		entry, ok := DecodeEntry(raw, endpoint)
		if !ok {
			continue
		}
		resp.Entries = append(resp.Entries, entry)
	}

	return resp, nil
}

// DecodeEntry parses one function execution record. It accepts both the
// deployment's wire shape (identifier, executionTime in seconds, timestamp in
// seconds) and the normalized shape produced by this package. Normalized
// timestamps are always milliseconds; wire-shape timestamps below 1e11 are
// read as seconds. It returns false only when raw is not a JSON object.
func DecodeEntry(raw json.RawMessage, deployment string) (models.LogEntry, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return models.LogEntry{}, false
	}

	e := models.LogEntry{
		ID:                 str(fields, "id"),
		FunctionIdentifier: firstNonEmpty(str(fields, "functionIdentifier"), str(fields, "identifier")),
		FunctionName:       str(fields, "functionName"),
		UDFType:            str(fields, "udfType"),
		RequestID:          str(fields, "requestId"),
		ExecutionID:        str(fields, "executionId"),
		Error:              errorText(fields["error"]),
		LogLines:           logLines(fields["logLines"]),
		Raw:                append(json.RawMessage(nil), bytes.TrimSpace(raw)...),
	}

	if ts, ok := decodeNumber(fields["timestamp"]); ok {
		if isWireShape(fields) && ts < millisThreshold {
			ts *= 1000
		}
		e.Timestamp = int64(math.Round(ts))
	}

	if v, ok := fields["durationMs"]; ok {
		if d, ok := decodeNumber(v); ok {
			ms := int64(math.Round(d))
			e.DurationMs = &ms
		}
	} else if d, ok := decodeNumber(fields["executionTime"]); ok {
		ms := int64(math.Round(d * 1000))
		e.DurationMs = &ms
	}

	// success is a bool in the normalized shape; on the wire it may carry the
	// function's return value instead
	var success bool
	if raw := fields["success"]; len(raw) > 0 && string(raw) != "null" && json.Unmarshal(raw, &success) == nil {
		e.Success = &success
	}
	if e.Success == nil && str(fields, "kind") == "Completion" {
		ok := e.Error == ""
		e.Success = &ok
	}

	if e.FunctionName == "" && e.FunctionIdentifier != "" {
		e.FunctionName = functionName(e.FunctionIdentifier)
	}

	if e.ID == "" {
		e.ID = logfmt.ComputeID(
			e.Timestamp,
			deployment,
			e.RequestID+e.ExecutionID+str(fields, "kind"),
			e.FunctionIdentifier,
			logfmt.InferLevel(e),
			logfmt.ExtractMessage(e),
		)
	}

	return e, true
}

func decodeNumber(raw json.RawMessage) (float64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, true
	}
	// Some fields arrive as numeric strings
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		var f float64
		if _, err := fmt.Sscanf(strings.TrimSpace(s), "%g", &f); err == nil {
			return f, true
		}
	}
	return 0, false
}

func str(fields map[string]json.RawMessage, key string) string {
	raw, ok := fields[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// errorText accepts a plain string or an object carrying a message.
func errorText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.Message
	}
	return ""
}

// logLines accepts plain strings or structured lines with a messages array.
func logLines(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}

	lines := make([]string, 0, len(items))
	for _, item := range items {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			lines = append(lines, s)
			continue
		}
		var structured struct {
			Level    string   `json:"level"`
			Messages []string `json:"messages"`
		}
		if err := json.Unmarshal(item, &structured); err == nil && len(structured.Messages) > 0 {
			line := strings.Join(structured.Messages, " ")
			if structured.Level != "" {
				line = "[" + structured.Level + "] " + line
			}
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 {
		return nil
	}
	return lines
}

// functionName turns "messages.js:list" or "messages:list" into "list".
func functionName(identifier string) string {
	if i := strings.LastIndex(identifier, ":"); i >= 0 && i < len(identifier)-1 {
		return identifier[i+1:]
	}
	return identifier
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// isWireShape reports whether fields come straight from a deployment rather
// than from this package's normalized form.
func isWireShape(fields map[string]json.RawMessage) bool {
	for _, key := range []string{"kind", "identifier", "executionTime"} {
		if _, ok := fields[key]; ok {
			return true
		}
	}
	return false
}
