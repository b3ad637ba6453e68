package logger

// Fields is an alias for map[string]interface{} for convenience.
type Fields map[string]interface{}

// ============================================
// Standard Tracing Fields (Context level)
// These fields are propagated through the call chain
// ============================================

const (
	// FieldRunID is the batch run ID (UUID)
	FieldRunID = "run_id"

	// FieldJobName is the batch job name (normalize, reembed)
	FieldJobName = "job"

	// FieldComponent is the component/module name
	FieldComponent = "component"

	// FieldRequestID is the HTTP request ID of the status API
	FieldRequestID = "request_id"
)

// ============================================
// Per-record Fields
// ============================================

const (
	// FieldRecordID is the primary key of the record being processed
	FieldRecordID = "record_id"

	// FieldWorkerID is the worker slot that processed the record
	FieldWorkerID = "worker_id"
)

// ============================================
// Standard Metric Fields (Entry level)
// These fields are used for aggregation and alerting
// ============================================

const (
	// FieldDurationMs is the execution duration in milliseconds
	FieldDurationMs = "duration_ms"

	// FieldCount is a generic count field
	FieldCount = "count"

	// FieldStatus is the operation status
	FieldStatus = "status"

	// FieldSize is a response size in bytes
	FieldSize = "size"
)
