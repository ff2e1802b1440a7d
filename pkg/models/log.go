package models

import (
	"encoding/json"
)

// LogEntry is a single function execution record received from a deployment's
// log stream. Entries are treated as immutable once received.
type LogEntry struct {
	ID                 string          `json:"id"`
	Timestamp          int64           `json:"timestamp"` // epoch millis
	FunctionIdentifier string          `json:"functionIdentifier,omitempty"`
	FunctionName       string          `json:"functionName,omitempty"`
	UDFType            string          `json:"udfType,omitempty"`
	RequestID          string          `json:"requestId,omitempty"`
	ExecutionID        string          `json:"executionId,omitempty"`
	Success            *bool           `json:"success,omitempty"`
	DurationMs         *int64          `json:"durationMs,omitempty"`
	Error              string          `json:"error,omitempty"`
	LogLines           []string        `json:"logLines,omitempty"`
	Raw                json.RawMessage `json:"raw,omitempty"`
}

// StreamResponse is one page of the function log stream.
type StreamResponse struct {
	Entries   []LogEntry `json:"entries"`
	NewCursor int64      `json:"newCursor"`
}

// StoredLog is a LogEntry as persisted by the local store and the archive
type StoredLog struct {
	ID           string `json:"id" yaml:"id" bson:"_id"`
	Ts           int64  `json:"ts" yaml:"ts" bson:"ts"`
	Deployment   string `json:"deployment" yaml:"deployment" bson:"deployment"`
	RequestID    string `json:"request_id,omitempty" yaml:"request_id,omitempty" bson:"request_id,omitempty"`
	ExecutionID  string `json:"execution_id,omitempty" yaml:"execution_id,omitempty" bson:"execution_id,omitempty"`
	Topic        string `json:"topic,omitempty" yaml:"topic,omitempty" bson:"topic,omitempty"`
	Level        string `json:"level,omitempty" yaml:"level,omitempty" bson:"level,omitempty"`
	FunctionPath string `json:"function_path,omitempty" yaml:"function_path,omitempty" bson:"function_path,omitempty"`
	FunctionName string `json:"function_name,omitempty" yaml:"function_name,omitempty" bson:"function_name,omitempty"`
	UDFType      string `json:"udf_type,omitempty" yaml:"udf_type,omitempty" bson:"udf_type,omitempty"`
	Success      *bool  `json:"success,omitempty" yaml:"success,omitempty" bson:"success,omitempty"`
	DurationMs   *int64 `json:"duration_ms,omitempty" yaml:"duration_ms,omitempty" bson:"duration_ms,omitempty"`
	Message      string `json:"message" yaml:"message" bson:"message"`
	JSONBlob     string `json:"json_blob" yaml:"json_blob" bson:"json_blob"`
	CreatedAt    int64  `json:"created_at" yaml:"created_at" bson:"created_at"`
}

// LogFilters narrows store queries. Zero values mean "no filter".
type LogFilters struct {
	Deployment   string   `json:"deployment,omitempty"`
	StartTs      *int64   `json:"start_ts,omitempty"`
	EndTs        *int64   `json:"end_ts,omitempty"`
	Levels       []string `json:"levels,omitempty"`
	Topics       []string `json:"topics,omitempty"`
	FunctionPath string   `json:"function_path,omitempty"`
	RequestID    string   `json:"request_id,omitempty"`
	Success      *bool    `json:"success,omitempty"`
}

// LogQueryResult is a page of stored logs
type LogQueryResult struct {
	Logs       []StoredLog `json:"logs" yaml:"logs"`
	TotalCount int64       `json:"total_count" yaml:"total_count"`
	HasMore    bool        `json:"has_more" yaml:"has_more"`
	Cursor     string      `json:"cursor,omitempty" yaml:"cursor,omitempty"`
}

// IngestResult counts the outcome of storing a batch
type IngestResult struct {
	Inserted   int `json:"inserted"`
	Duplicates int `json:"duplicates"`
	Errors     int `json:"errors"`
}

// DeploymentCount is the number of stored logs for one deployment.
type DeploymentCount struct {
	Deployment string `json:"deployment" yaml:"deployment"`
	Count      int64  `json:"count" yaml:"count"`
}

// LogStats summarizes the local store
type LogStats struct {
	TotalLogs        int64             `json:"total_logs" yaml:"total_logs"`
	OldestTs         *int64            `json:"oldest_ts,omitempty" yaml:"oldest_ts,omitempty"`
	NewestTs         *int64            `json:"newest_ts,omitempty" yaml:"newest_ts,omitempty"`
	DBSizeBytes      int64             `json:"db_size_bytes" yaml:"db_size_bytes"`
	LogsByDeployment []DeploymentCount `json:"logs_by_deployment" yaml:"logs_by_deployment"`
}

// StoreSettings are the persisted log store settings
type StoreSettings struct {
	RetentionDays int  `json:"retention_days" yaml:"retention_days"`
	Enabled       bool `json:"enabled" yaml:"enabled"`
}

// DefaultStoreSettings returns the settings a fresh store starts with
func DefaultStoreSettings() StoreSettings {
	return StoreSettings{
		RetentionDays: 30,
		Enabled:       true,
	}
}
