// Package worker implements the query worker side of the pool protocol.
//
// A worker is a child process that reads line-delimited JSON requests from
// stdin and writes line-delimited JSON responses to stdout. Each worker owns
// its own database handles and executes exactly one job at a time; isolation
// and lifecycle are the pool manager's problem, not the worker's.
package worker

import "encoding/base64"

// Op identifies the kind of work requested from a worker.
type Op string

const (
	// OpPing is a liveness handshake; the pool sends it right after spawn.
	OpPing Op = "ping"
	// OpQuery executes a read-only SQL query and returns one page of rows.
	OpQuery Op = "query"
	// OpSchema lists tables and columns for a dataset.
	OpSchema Op = "schema"
	// OpProfile computes summary statistics for one column.
	OpProfile Op = "profile"
)

// DatasetRef identifies a dataset the worker can open.
type DatasetRef struct {
	ID     string `json:"id"`
	Engine string `json:"engine"` // sqlite, mysql, snowflake
	// Path is the file path for sqlite datasets, the DSN for remote engines.
	Path string `json:"path"`
}

// JobRequest is one line sent to the worker on stdin.
// Query text is base64-encoded so multi-line SQL survives the line protocol.
type JobRequest struct {
	Op       Op           `json:"op"`
	Query    string       `json:"query,omitempty"`
	Datasets []DatasetRef `json:"datasets,omitempty"`
	Page     int          `json:"page,omitempty"`
	PageSize int          `json:"page_size,omitempty"`
	// Table and Column target OpSchema/OpProfile.
	Table  string `json:"table,omitempty"`
	Column string `json:"column,omitempty"`
}

// EncodeQuery prepares SQL text for transport in a JobRequest.
func EncodeQuery(query string) string {
	return base64.StdEncoding.EncodeToString([]byte(query))
}

// DecodeQuery reverses EncodeQuery.
func DecodeQuery(encoded string) (string, error) {
	b, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ColumnInfo describes one result column with its engine-native type name.
type ColumnInfo struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// TableInfo describes one table for OpSchema responses.
type TableInfo struct {
	Name    string       `json:"name"`
	Columns []ColumnInfo `json:"columns"`
}

// ColumnProfile is the result of OpProfile.
type ColumnProfile struct {
	Table         string `json:"table"`
	Column        string `json:"column"`
	RowCount      int64  `json:"row_count"`
	NullCount     int64  `json:"null_count"`
	DistinctCount int64  `json:"distinct_count"`
	Min           any    `json:"min"`
	Max           any    `json:"max"`
}

// JobResponse is one line written by the worker on stdout.
// Null cell values are encoded as JSON null, never as zero or "".
type JobResponse struct {
	Status          string         `json:"status"` // "ok" or "error"
	Columns         []ColumnInfo   `json:"columns,omitempty"`
	Rows            [][]any        `json:"rows,omitempty"`
	TotalRows       int64          `json:"total_rows"`
	ExecutionTimeMs int64          `json:"execution_time_ms"`
	Tables          []TableInfo    `json:"tables,omitempty"`
	Profile         *ColumnProfile `json:"profile,omitempty"`
	Error           *JobError      `json:"error,omitempty"`
}
