// Package logfmt derives the searchable summary fields of a function log
// entry: a stable id, a one-line message, a level and a topic.
package logfmt

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/oicur0t/convexlogs/pkg/models"
)

// Levels assigned by InferLevel
const (
	LevelError = "ERROR"
	LevelInfo  = "INFO"
)

// ComputeID returns a stable id over the identifying properties of a log
// entry. Identical inputs always produce the same id.
func ComputeID(ts int64, deployment, requestID, functionPath, level, message string) string {
	h := sha256.New()

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(ts))
	h.Write(buf[:])
	h.Write([]byte(deployment))
	h.Write([]byte(requestID))
	h.Write([]byte(functionPath))
	h.Write([]byte(level))
	h.Write([]byte(message))

	return hex.EncodeToString(h.Sum(nil))
}

// ExtractMessage summarizes an entry: its error, else its log lines, else
// whether the function ran successfully.
func ExtractMessage(e models.LogEntry) string {
	if e.Error != "" {
		return "Error: " + e.Error
	}

	if len(e.LogLines) > 0 {
		return strings.Join(e.LogLines, " | ")
	}

	if e.FunctionName != "" {
		if e.Success == nil || *e.Success {
			return fmt.Sprintf("Function '%s' executed", e.FunctionName)
		}
		return fmt.Sprintf("Function '%s' failed", e.FunctionName)
	}

	return "Log entry"
}

// InferLevel returns ERROR for failed executions, INFO for successful ones
// and "" when the outcome is unknown.
func InferLevel(e models.LogEntry) string {
	if e.Error != "" || (e.Success != nil && !*e.Success) {
		return LevelError
	}
	if e.Success != nil && *e.Success {
		return LevelInfo
	}
	return ""
}

// InferTopic maps a UDF type to a topic. Function kinds share the "function"
// topic; anything else is passed through.
func InferTopic(udfType string) string {
	switch strings.ToLower(udfType) {
	case "":
		return ""
	case "query", "mutation", "action", "httpaction":
		return "function"
	default:
		return udfType
	}
}
