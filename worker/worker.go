package worker

import (
	"bufio"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"querychat/dbpool"
)

// Worker executes jobs read from a line-delimited JSON stream.
// Database handles are opened lazily and cached for the life of the process;
// once a job starts, the datasets it touches are read-only from the worker's
// perspective.
type Worker struct {
	dbm     *dbpool.DBManager
	handles map[string]*handle
	logf    func(string)
}

type handle struct {
	db      *sql.DB
	dialect *dbpool.Dialect
}

// New creates a Worker. logf receives diagnostics and may be nil; output goes
// to the caller's sink (typically stderr), never stdout, which carries the
// protocol.
func New(dbm *dbpool.DBManager, logf func(string)) *Worker {
	if logf == nil {
		logf = func(string) {}
	}
	return &Worker{
		dbm:     dbm,
		handles: make(map[string]*handle),
		logf:    logf,
	}
}

// Run processes requests until stdin closes. Every response is exactly one
// line; a malformed request produces an error response rather than killing
// the loop, so the pool decides the worker's fate, not a stray byte.
func (w *Worker) Run(stdin io.Reader, stdout io.Writer) error {
	scanner := bufio.NewScanner(stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	out := bufio.NewWriter(stdout)
	enc := json.NewEncoder(out)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req JobRequest
		var resp *JobResponse
		if err := json.Unmarshal(line, &req); err != nil {
			resp = errResponse(newError(KindBadRequest, "malformed request: %v", err))
		} else {
			resp = w.handle(&req)
		}

		if err := enc.Encode(resp); err != nil {
			return fmt.Errorf("failed to write response: %v", err)
		}
		if err := out.Flush(); err != nil {
			return fmt.Errorf("failed to flush response: %v", err)
		}
	}
	return scanner.Err()
}

// handle dispatches one request. It never returns a raw engine error; every
// path goes through the taxonomy.
func (w *Worker) handle(req *JobRequest) *JobResponse {
	switch req.Op {
	case OpPing:
		return &JobResponse{Status: "ok"}
	case OpQuery:
		return w.execQuery(req)
	case OpSchema:
		return w.execSchema(req)
	case OpProfile:
		return w.execProfile(req)
	default:
		return errResponse(newError(KindBadRequest, "unknown op %q", req.Op))
	}
}

func errResponse(je *JobError) *JobResponse {
	return &JobResponse{Status: "error", Error: je}
}

// openDataset returns a cached handle for the dataset, opening it on first use.
func (w *Worker) openDataset(ref DatasetRef) (*handle, *JobError) {
	if h, ok := w.handles[ref.ID]; ok {
		return h, nil
	}

	engine := dbpool.Engine(ref.Engine)
	if engine == "" {
		engine = dbpool.EngineSQLite
	}
	db, err := w.dbm.Open(dbpool.OpenOptions{
		Engine: engine,
		Path:   ref.Path,
		Mode:   dbpool.ModeReadOnly,
	})
	if err != nil {
		w.logf(fmt.Sprintf("[worker] failed to open dataset %s: %v", ref.ID, err))
		return nil, newError(KindBadRequest, "dataset not available: %s", ref.ID)
	}

	h := &handle{db: db, dialect: dbpool.NewDialect(engine)}
	w.handles[ref.ID] = h
	return h, nil
}

// primaryDataset resolves the first dataset ref, which carries the query's
// target engine. Multi-dataset joins are expressed inside a single engine
// (attached sqlite files or a shared warehouse), so one handle suffices.
func (w *Worker) primaryDataset(req *JobRequest) (*handle, *JobError) {
	if len(req.Datasets) == 0 {
		return nil, newError(KindBadRequest, "no dataset specified")
	}
	return w.openDataset(req.Datasets[0])
}

// execQuery runs a validated read-only query and returns one page of rows
// plus the total row count. Pagination is mandatory so a single job never
// materializes an unbounded result set.
func (w *Worker) execQuery(req *JobRequest) *JobResponse {
	start := time.Now()

	query, err := DecodeQuery(req.Query)
	if err != nil {
		return errResponse(newError(KindBadRequest, "undecodable query: %v", err))
	}
	if je := ValidateReadOnly(query); je != nil {
		return errResponse(je)
	}
	if req.PageSize <= 0 {
		return errResponse(newError(KindBadRequest, "page_size is required and must be positive"))
	}
	page := req.Page
	if page < 1 {
		page = 1
	}

	h, je := w.primaryDataset(req)
	if je != nil {
		return errResponse(je)
	}

	query = stripTrailingSemicolons(query)

	// Total count first, over the unpaged query.
	var total int64
	if err := h.db.QueryRow(h.dialect.CountWrapQuery(query)).Scan(&total); err != nil {
		return errResponse(translateEngineError(err))
	}

	paged := query + h.dialect.PageClause(page, req.PageSize)
	rows, err := h.db.Query(paged)
	if err != nil {
		return errResponse(translateEngineError(err))
	}
	defer rows.Close()

	cols, rowData, je := scanRows(rows)
	if je != nil {
		return errResponse(je)
	}

	return &JobResponse{
		Status:          "ok",
		Columns:         cols,
		Rows:            rowData,
		TotalRows:       total,
		ExecutionTimeMs: time.Since(start).Milliseconds(),
	}
}

// scanRows reads all rows from the (already paged) result set, preserving
// engine-native column types and keeping nulls distinct from zero values.
func scanRows(rows *sql.Rows) ([]ColumnInfo, [][]any, *JobError) {
	colNames, err := rows.Columns()
	if err != nil {
		return nil, nil, translateEngineError(err)
	}
	colTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, nil, translateEngineError(err)
	}

	cols := make([]ColumnInfo, len(colNames))
	for i, name := range colNames {
		cols[i] = ColumnInfo{Name: name, Type: colTypes[i].DatabaseTypeName()}
	}

	var data [][]any
	for rows.Next() {
		values := make([]any, len(colNames))
		ptrs := make([]any, len(colNames))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, translateEngineError(err)
		}
		row := make([]any, len(colNames))
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				row[i] = string(b)
			} else {
				row[i] = v
			}
		}
		data = append(data, row)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, translateEngineError(err)
	}
	return cols, data, nil
}

// execSchema lists tables and their columns for the dataset.
func (w *Worker) execSchema(req *JobRequest) *JobResponse {
	start := time.Now()

	h, je := w.primaryDataset(req)
	if je != nil {
		return errResponse(je)
	}

	tableRows, err := h.db.Query(h.dialect.ListTablesQuery())
	if err != nil {
		return errResponse(translateEngineError(err))
	}
	var names []string
	for tableRows.Next() {
		var name string
		if err := tableRows.Scan(&name); err != nil {
			tableRows.Close()
			return errResponse(translateEngineError(err))
		}
		names = append(names, name)
	}
	tableRows.Close()
	if err := tableRows.Err(); err != nil {
		return errResponse(translateEngineError(err))
	}

	// Single-table lookup when requested.
	if req.Table != "" {
		names = []string{req.Table}
	}

	var tables []TableInfo
	for _, name := range names {
		cols, je := w.tableColumns(h, name)
		if je != nil {
			return errResponse(je)
		}
		tables = append(tables, TableInfo{Name: name, Columns: cols})
	}

	return &JobResponse{
		Status:          "ok",
		Tables:          tables,
		ExecutionTimeMs: time.Since(start).Milliseconds(),
	}
}

// tableColumns reads column names and types using a zero-row select, which
// works identically across engines unlike PRAGMA/DESCRIBE output shapes.
func (w *Worker) tableColumns(h *handle, table string) ([]ColumnInfo, *JobError) {
	q := fmt.Sprintf("SELECT * FROM %s", h.dialect.QuoteIdent(table)) + h.dialect.PageClause(1, 0)
	rows, err := h.db.Query(q)
	if err != nil {
		return nil, translateEngineError(err)
	}
	defer rows.Close()

	colNames, err := rows.Columns()
	if err != nil {
		return nil, translateEngineError(err)
	}
	colTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, translateEngineError(err)
	}
	cols := make([]ColumnInfo, len(colNames))
	for i, name := range colNames {
		cols[i] = ColumnInfo{Name: name, Type: colTypes[i].DatabaseTypeName()}
	}
	return cols, nil
}

// execProfile computes summary statistics for a single column.
func (w *Worker) execProfile(req *JobRequest) *JobResponse {
	start := time.Now()

	if req.Table == "" || req.Column == "" {
		return errResponse(newError(KindBadRequest, "profile requires table and column"))
	}

	h, je := w.primaryDataset(req)
	if je != nil {
		return errResponse(je)
	}

	qt := h.dialect.QuoteIdent(req.Table)
	qc := h.dialect.QuoteIdent(req.Column)
	q := fmt.Sprintf(
		"SELECT COUNT(*), COUNT(*) - COUNT(%s), COUNT(DISTINCT %s), MIN(%s), MAX(%s) FROM %s",
		qc, qc, qc, qc, qt)

	profile := &ColumnProfile{Table: req.Table, Column: req.Column}
	var minVal, maxVal any
	err := h.db.QueryRow(q).Scan(
		&profile.RowCount, &profile.NullCount, &profile.DistinctCount, &minVal, &maxVal)
	if err != nil {
		return errResponse(translateEngineError(err))
	}
	if b, ok := minVal.([]byte); ok {
		minVal = string(b)
	}
	if b, ok := maxVal.([]byte); ok {
		maxVal = string(b)
	}
	profile.Min = minVal
	profile.Max = maxVal

	return &JobResponse{
		Status:          "ok",
		Profile:         profile,
		ExecutionTimeMs: time.Since(start).Milliseconds(),
	}
}

// Close releases all cached dataset handles.
func (w *Worker) Close() {
	for id, h := range w.handles {
		h.db.Close()
		delete(w.handles, id)
	}
}
