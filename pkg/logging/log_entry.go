package logging

// LogEntry represents a structured log record.
type LogEntry struct {
	// Standard fields
	Time     int64
	Severity Severity
	Message  string
	File     string
	Line     int
	Function string

	// Sampling context
	RunID string // Identity of the sampling run, if any
	Stage int    // Stage number, -1 when not inside a stage

	// General structured data
	Fields map[string]interface{}
}
