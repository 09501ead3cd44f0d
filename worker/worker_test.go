package worker

import (
	"bufio"
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"querychat/dbpool"
)

// makeDataset creates a sqlite file with a small sales table, including a
// null cell so null handling can be asserted.
func makeDataset(t *testing.T) DatasetRef {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sales.db")

	dbm := dbpool.New(dbpool.EngineSQLite, nil)
	db, err := dbm.OpenWritable(path)
	if err != nil {
		t.Fatalf("failed to create dataset: %v", err)
	}
	defer db.Close()

	stmts := []string{
		"CREATE TABLE sales (id INTEGER, region TEXT, amount REAL)",
		"INSERT INTO sales VALUES (1, 'north', 100.5)",
		"INSERT INTO sales VALUES (2, 'south', 200.0)",
		"INSERT INTO sales VALUES (3, NULL, 50.25)",
		"INSERT INTO sales VALUES (4, 'north', 75.0)",
		"INSERT INTO sales VALUES (5, 'east', 300.0)",
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			t.Fatalf("failed to seed dataset: %v", err)
		}
	}

	return DatasetRef{ID: "ds1", Engine: "sqlite", Path: path}
}

// runRequests drives a Worker through its line protocol and decodes the
// responses.
func runRequests(t *testing.T, reqs []JobRequest) []JobResponse {
	t.Helper()

	var in bytes.Buffer
	enc := json.NewEncoder(&in)
	for i := range reqs {
		if err := enc.Encode(&reqs[i]); err != nil {
			t.Fatalf("failed to encode request: %v", err)
		}
	}

	w := New(dbpool.New(dbpool.EngineSQLite, nil), nil)
	defer w.Close()

	var out bytes.Buffer
	if err := w.Run(&in, &out); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	var resps []JobResponse
	scanner := bufio.NewScanner(&out)
	for scanner.Scan() {
		var r JobResponse
		if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		resps = append(resps, r)
	}
	if len(resps) != len(reqs) {
		t.Fatalf("expected %d responses, got %d", len(reqs), len(resps))
	}
	return resps
}

func TestWorkerPing(t *testing.T) {
	resps := runRequests(t, []JobRequest{{Op: OpPing}})
	if resps[0].Status != "ok" {
		t.Fatalf("ping failed: %+v", resps[0])
	}
}

func TestWorkerQueryPagination(t *testing.T) {
	ds := makeDataset(t)

	resps := runRequests(t, []JobRequest{{
		Op:       OpQuery,
		Query:    EncodeQuery("SELECT id, region, amount FROM sales ORDER BY id"),
		Datasets: []DatasetRef{ds},
		Page:     1,
		PageSize: 2,
	}, {
		Op:       OpQuery,
		Query:    EncodeQuery("SELECT id, region, amount FROM sales ORDER BY id"),
		Datasets: []DatasetRef{ds},
		Page:     3,
		PageSize: 2,
	}})

	first := resps[0]
	if first.Status != "ok" {
		t.Fatalf("query failed: %+v", first.Error)
	}
	if first.TotalRows != 5 {
		t.Errorf("expected total_rows=5, got %d", first.TotalRows)
	}
	if len(first.Rows) != 2 {
		t.Errorf("expected 2 rows on page 1, got %d", len(first.Rows))
	}
	if len(first.Columns) != 3 || first.Columns[0].Name != "id" {
		t.Errorf("unexpected columns: %+v", first.Columns)
	}

	last := resps[1]
	if len(last.Rows) != 1 {
		t.Errorf("expected 1 row on page 3, got %d", len(last.Rows))
	}
}

func TestWorkerQueryNullsDistinctFromEmpty(t *testing.T) {
	ds := makeDataset(t)

	resps := runRequests(t, []JobRequest{{
		Op:       OpQuery,
		Query:    EncodeQuery("SELECT region FROM sales WHERE id = 3"),
		Datasets: []DatasetRef{ds},
		Page:     1,
		PageSize: 10,
	}})

	r := resps[0]
	if r.Status != "ok" || len(r.Rows) != 1 {
		t.Fatalf("unexpected response: %+v", r)
	}
	if r.Rows[0][0] != nil {
		t.Fatalf("expected null cell to stay nil, got %#v", r.Rows[0][0])
	}
}

func TestWorkerQuerySemanticError(t *testing.T) {
	ds := makeDataset(t)

	resps := runRequests(t, []JobRequest{{
		Op:       OpQuery,
		Query:    EncodeQuery("SELECT revenu FROM sales"),
		Datasets: []DatasetRef{ds},
		Page:     1,
		PageSize: 10,
	}})

	r := resps[0]
	if r.Status != "error" || r.Error == nil {
		t.Fatalf("expected error response, got %+v", r)
	}
	if r.Error.Kind != KindSemantic {
		t.Fatalf("expected query_semantic, got %s", r.Error.Kind)
	}
}

func TestWorkerRejectsMissingPagination(t *testing.T) {
	ds := makeDataset(t)

	resps := runRequests(t, []JobRequest{{
		Op:       OpQuery,
		Query:    EncodeQuery("SELECT * FROM sales"),
		Datasets: []DatasetRef{ds},
	}})

	if resps[0].Status != "error" || resps[0].Error.Kind != KindBadRequest {
		t.Fatalf("expected bad_request for missing page_size, got %+v", resps[0])
	}
}

func TestWorkerRejectsWriteQuery(t *testing.T) {
	ds := makeDataset(t)

	resps := runRequests(t, []JobRequest{{
		Op:       OpQuery,
		Query:    EncodeQuery("DROP TABLE sales"),
		Datasets: []DatasetRef{ds},
		Page:     1,
		PageSize: 10,
	}})

	if resps[0].Status != "error" || resps[0].Error.Kind != KindBadRequest {
		t.Fatalf("expected bad_request for DROP, got %+v", resps[0])
	}
}

func TestWorkerSchema(t *testing.T) {
	ds := makeDataset(t)

	resps := runRequests(t, []JobRequest{{
		Op:       OpSchema,
		Datasets: []DatasetRef{ds},
	}})

	r := resps[0]
	if r.Status != "ok" {
		t.Fatalf("schema failed: %+v", r.Error)
	}
	if len(r.Tables) != 1 || r.Tables[0].Name != "sales" {
		t.Fatalf("unexpected tables: %+v", r.Tables)
	}
	if len(r.Tables[0].Columns) != 3 {
		t.Fatalf("expected 3 columns, got %+v", r.Tables[0].Columns)
	}
}

func TestWorkerProfile(t *testing.T) {
	ds := makeDataset(t)

	resps := runRequests(t, []JobRequest{{
		Op:       OpProfile,
		Datasets: []DatasetRef{ds},
		Table:    "sales",
		Column:   "region",
	}})

	r := resps[0]
	if r.Status != "ok" || r.Profile == nil {
		t.Fatalf("profile failed: %+v", r.Error)
	}
	p := r.Profile
	if p.RowCount != 5 {
		t.Errorf("expected row_count=5, got %d", p.RowCount)
	}
	if p.NullCount != 1 {
		t.Errorf("expected null_count=1, got %d", p.NullCount)
	}
	if p.DistinctCount != 3 {
		t.Errorf("expected distinct_count=3, got %d", p.DistinctCount)
	}
}

func TestWorkerMalformedLineDoesNotKillLoop(t *testing.T) {
	var in bytes.Buffer
	in.WriteString("{not json}\n")
	req, _ := json.Marshal(JobRequest{Op: OpPing})
	in.Write(req)
	in.WriteString("\n")

	w := New(dbpool.New(dbpool.EngineSQLite, nil), nil)
	defer w.Close()

	var out bytes.Buffer
	if err := w.Run(&in, &out); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	var resps []JobResponse
	scanner := bufio.NewScanner(&out)
	for scanner.Scan() {
		var r JobResponse
		if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
			t.Fatalf("failed to decode: %v", err)
		}
		resps = append(resps, r)
	}
	if len(resps) != 2 {
		t.Fatalf("expected 2 responses, got %d", len(resps))
	}
	if resps[0].Status != "error" || resps[1].Status != "ok" {
		t.Fatalf("expected error then ok, got %+v", resps)
	}
}
