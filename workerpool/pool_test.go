package workerpool

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"querychat/dbpool"
	"querychat/worker"
)

// The test binary doubles as the worker executable: when re-executed with
// QUERYWORKER_HELPER=1 it runs a worker loop instead of the tests. HELPER_MODE
// selects failure-injection behavior for crash and timeout scenarios.
func TestMain(m *testing.M) {
	if os.Getenv("QUERYWORKER_HELPER") == "1" {
		runHelper()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func runHelper() {
	mode := os.Getenv("HELPER_MODE")
	if mode == "" || mode == "normal" {
		w := worker.New(dbpool.New(dbpool.EngineSQLite, nil), nil)
		defer w.Close()
		w.Run(os.Stdin, os.Stdout)
		return
	}

	sentinel := os.Getenv("HELPER_SENTINEL")
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	enc := json.NewEncoder(os.Stdout)

	okResp := &worker.JobResponse{
		Status:    "ok",
		Columns:   []worker.ColumnInfo{{Name: "v", Type: "TEXT"}},
		Rows:      [][]any{{"done"}},
		TotalRows: 1,
	}

	for scanner.Scan() {
		var req worker.JobRequest
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			continue
		}
		if req.Op == worker.OpPing {
			enc.Encode(&worker.JobResponse{Status: "ok"})
			continue
		}

		switch mode {
		case "crash":
			os.Exit(1)
		case "crash_once":
			if _, err := os.Stat(sentinel); err != nil {
				os.WriteFile(sentinel, []byte("x"), 0644)
				os.Exit(1)
			}
			enc.Encode(okResp)
		case "hang_once":
			if _, err := os.Stat(sentinel); err != nil {
				os.WriteFile(sentinel, []byte("x"), 0644)
				select {}
			}
			enc.Encode(okResp)
		case "hang":
			select {}
		}
	}
}

func newTestPool(t *testing.T, cfg Config) *Pool {
	t.Helper()
	cfg.WorkerBin = os.Args[0]
	if cfg.PoolSize == 0 {
		cfg.PoolSize = 2
	}
	p := New(cfg)
	if err := p.Start(); err != nil {
		t.Fatalf("failed to start pool: %v", err)
	}
	t.Cleanup(func() { p.Shutdown(2 * time.Second) })
	return p
}

func helperEnv(mode, sentinel string) []string {
	return []string{"QUERYWORKER_HELPER=1", "HELPER_MODE=" + mode, "HELPER_SENTINEL=" + sentinel}
}

// makeDataset seeds a sqlite file the normal-mode helper can query.
func makeDataset(t *testing.T) worker.DatasetRef {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.db")
	db, err := dbpool.New(dbpool.EngineSQLite, nil).OpenWritable(path)
	if err != nil {
		t.Fatalf("failed to create dataset: %v", err)
	}
	defer db.Close()
	for _, s := range []string{
		"CREATE TABLE metrics (id INTEGER, val REAL)",
		"INSERT INTO metrics VALUES (1, 10.0), (2, 20.0), (3, 30.0)",
	} {
		if _, err := db.Exec(s); err != nil {
			t.Fatalf("failed to seed dataset: %v", err)
		}
	}
	return worker.DatasetRef{ID: "ds", Engine: "sqlite", Path: path}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestPoolExecutesQuery(t *testing.T) {
	p := newTestPool(t, Config{WorkerEnv: helperEnv("normal", "")})
	ds := makeDataset(t)

	h, err := p.Submit(context.Background(), &Job{
		Query:    "SELECT id, val FROM metrics ORDER BY id",
		Datasets: []worker.DatasetRef{ds},
		Page:     1,
		PageSize: 10,
	})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	res, err := h.Wait(context.Background())
	if err != nil {
		t.Fatalf("wait failed: %v", err)
	}
	if res.Error != nil {
		t.Fatalf("unexpected query error: %v", res.Error)
	}
	if res.TotalRows != 3 || len(res.Rows) != 3 {
		t.Fatalf("unexpected result: total=%d rows=%d", res.TotalRows, len(res.Rows))
	}
}

func TestPoolAllJobsResolveUnderContention(t *testing.T) {
	p := newTestPool(t, Config{PoolSize: 2, QueueDepth: 16, WorkerEnv: helperEnv("normal", "")})
	ds := makeDataset(t)

	const n = 8
	var wg sync.WaitGroup
	results := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := p.Submit(context.Background(), &Job{
				Query:    "SELECT COUNT(*) FROM metrics",
				Datasets: []worker.DatasetRef{ds},
				Page:     1,
				PageSize: 10,
			})
			if err != nil {
				results[i] = err
				return
			}
			_, results[i] = h.Wait(context.Background())
		}(i)
	}
	wg.Wait()

	for i, err := range results {
		if err != nil {
			t.Errorf("job %d failed: %v", i, err)
		}
	}
	waitFor(t, 5*time.Second, func() bool { return p.LiveWorkers() == 2 },
		"pool did not return to full strength")
}

func TestPoolCrashRequeuesOnce(t *testing.T) {
	sentinel := filepath.Join(t.TempDir(), "crashed")
	p := newTestPool(t, Config{PoolSize: 2, WorkerEnv: helperEnv("crash_once", sentinel)})

	h, err := p.Submit(context.Background(), &Job{Query: "SELECT 1", Page: 1, PageSize: 10})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	res, err := h.Wait(context.Background())
	if err != nil {
		t.Fatalf("expected requeued job to succeed, got %v", err)
	}
	if res.TotalRows != 1 {
		t.Fatalf("unexpected result after requeue: %+v", res)
	}
	waitFor(t, 5*time.Second, func() bool { return p.LiveWorkers() == 2 },
		"pool did not heal after crash")
}

func TestPoolSecondCrashSurfacesWorkerCrashError(t *testing.T) {
	p := newTestPool(t, Config{PoolSize: 2, WorkerEnv: helperEnv("crash", "")})

	h, err := p.Submit(context.Background(), &Job{Query: "SELECT 1", Page: 1, PageSize: 10})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	_, err = h.Wait(context.Background())
	var crashErr *WorkerCrashError
	if !errors.As(err, &crashErr) {
		t.Fatalf("expected WorkerCrashError, got %v", err)
	}
	waitFor(t, 10*time.Second, func() bool { return p.LiveWorkers() == 2 },
		"pool did not heal after double crash")
}

func TestPoolTimeoutKillsWorkerAndDispatchesNext(t *testing.T) {
	sentinel := filepath.Join(t.TempDir(), "hung")
	p := newTestPool(t, Config{PoolSize: 1, WorkerEnv: helperEnv("hang_once", sentinel)})

	h, err := p.Submit(context.Background(), &Job{Query: "SELECT 1", Page: 1, PageSize: 10, Timeout: 400 * time.Millisecond})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	res, err := h.Wait(context.Background())
	if err != nil {
		t.Fatalf("timed-out job should resolve with a result, got %v", err)
	}
	if res.Error == nil || res.Error.Kind != worker.KindTimeout {
		t.Fatalf("expected timeout error, got %+v", res.Error)
	}

	// The replacement worker must pick up the next job without intervention.
	h2, err := p.Submit(context.Background(), &Job{Query: "SELECT 1", Page: 1, PageSize: 10, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("second submit failed: %v", err)
	}
	res2, err := h2.Wait(context.Background())
	if err != nil || res2.Error != nil {
		t.Fatalf("second job failed: err=%v result=%+v", err, res2)
	}
}

func TestPoolMemoryCeilingRetiresWorker(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("RSS sampling is linux-only")
	}
	// Any real process exceeds a 1 MB ceiling, so the first successful job
	// must retire its worker.
	p := newTestPool(t, Config{PoolSize: 1, MemoryLimitMB: 1, WorkerEnv: helperEnv("normal", "")})
	ds := makeDataset(t)

	h, err := p.Submit(context.Background(), &Job{
		Query:    "SELECT * FROM metrics",
		Datasets: []worker.DatasetRef{ds},
		Page:     1,
		PageSize: 10,
	})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	res, err := h.Wait(context.Background())
	if err != nil || res.Error != nil {
		t.Fatalf("job should still succeed before retirement: err=%v res=%+v", err, res)
	}

	waitFor(t, 5*time.Second, func() bool {
		return p.HealthSnapshot().MemoryRetirements >= 1 && p.LiveWorkers() == 1
	}, "worker was not retired and replaced after exceeding the memory ceiling")
}

func TestPoolStartIdempotent(t *testing.T) {
	p := newTestPool(t, Config{PoolSize: 1, WorkerEnv: helperEnv("normal", "")})
	if err := p.Start(); err != nil {
		t.Fatalf("second Start should be a no-op, got %v", err)
	}
	if p.LiveWorkers() != 1 {
		t.Fatalf("expected 1 worker, got %d", p.LiveWorkers())
	}
}

func TestPoolSubmitAfterShutdown(t *testing.T) {
	p := New(Config{PoolSize: 1, WorkerBin: os.Args[0], WorkerEnv: helperEnv("normal", "")})
	if err := p.Start(); err != nil {
		t.Fatalf("failed to start pool: %v", err)
	}
	p.Shutdown(time.Second)

	if _, err := p.Submit(context.Background(), &Job{Query: "SELECT 1", Page: 1, PageSize: 1}); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("expected ErrPoolClosed, got %v", err)
	}
}

// fillQueue saturates a PoolSize 1, QueueDepth 1 pool of hung workers: one
// job busy on the slot, one held by the dispatcher waiting for that slot, and
// one sitting in the queue. The next Submit must block.
func fillQueue(t *testing.T, p *Pool, timeout time.Duration) []*JobHandle {
	t.Helper()
	var handles []*JobHandle

	h, err := p.Submit(context.Background(), &Job{Query: "SELECT 1", Page: 1, PageSize: 1, Timeout: timeout})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	handles = append(handles, h)
	waitFor(t, 2*time.Second, func() bool {
		s := p.HealthSnapshot()
		return s.QueueLength == 0 && len(s.Slots) == 1 && s.Slots[0].State == SlotBusy
	}, "first job was not dispatched to the worker")

	// The dispatcher takes this job off the queue and parks on the busy slot.
	h, err = p.Submit(context.Background(), &Job{Query: "SELECT 1", Page: 1, PageSize: 1, Timeout: timeout})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	handles = append(handles, h)
	waitFor(t, 2*time.Second, func() bool {
		return p.HealthSnapshot().QueueLength == 0
	}, "dispatcher did not pick up the second job")

	// This one stays in the queue; capacity is now exhausted.
	h, err = p.Submit(context.Background(), &Job{Query: "SELECT 1", Page: 1, PageSize: 1, Timeout: timeout})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	handles = append(handles, h)
	waitFor(t, 2*time.Second, func() bool {
		return p.HealthSnapshot().QueueLength == 1
	}, "queue did not fill")

	return handles
}

func TestPoolSubmitBlocksWhenQueueFull(t *testing.T) {
	p := newTestPool(t, Config{PoolSize: 1, QueueDepth: 1, WorkerEnv: helperEnv("hang", "")})
	handles := fillQueue(t, p, 600*time.Millisecond)

	// The queue is full; the next submit must block until the hung job times
	// out and the drain frees queue capacity.
	type submitResult struct {
		h   *JobHandle
		err error
	}
	done := make(chan submitResult, 1)
	go func() {
		h, err := p.Submit(context.Background(), &Job{Query: "SELECT 1", Page: 1, PageSize: 1, Timeout: 600 * time.Millisecond})
		done <- submitResult{h, err}
	}()

	select {
	case <-done:
		t.Fatal("Submit returned while the queue was full")
	case <-time.After(200 * time.Millisecond):
	}

	var blocked submitResult
	select {
	case blocked = <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Submit did not unblock after queue capacity freed")
	}
	if blocked.err != nil {
		t.Fatalf("blocked submit failed: %v", blocked.err)
	}
	handles = append(handles, blocked.h)

	// Every handle still resolves; each job hangs and times out in turn.
	for i, h := range handles {
		res, err := h.Wait(context.Background())
		if err != nil {
			t.Fatalf("job %d did not resolve: %v", i, err)
		}
		if res.Error == nil || res.Error.Kind != worker.KindTimeout {
			t.Fatalf("job %d: expected timeout error, got %+v", i, res.Error)
		}
	}
}

func TestPoolSubmitContextCancelledWhileBlocked(t *testing.T) {
	p := newTestPool(t, Config{PoolSize: 1, QueueDepth: 1, WorkerEnv: helperEnv("hang", "")})
	fillQueue(t, p, 30*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if _, err := p.Submit(ctx, &Job{Query: "SELECT 1", Page: 1, PageSize: 1}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context.DeadlineExceeded from a blocked submit, got %v", err)
	}
}

func TestPoolTimedOutNeverMovesToSucceeded(t *testing.T) {
	// A worker reply can land in the window after the watchdog expired the
	// job but before its process dies; the completed write must not move the
	// status backward.
	p := New(Config{PoolSize: 1})

	job := &Job{ID: "j1", status: StatusTimedOut}
	if !p.markCompleted(job) {
		t.Fatal("an expired job must report timed out on completion")
	}
	if job.status != StatusTimedOut {
		t.Fatalf("status moved backward: %s", job.status)
	}

	job = &Job{ID: "j2", status: StatusRunning}
	if p.markCompleted(job) {
		t.Fatal("a running job must not report timed out")
	}
	if job.status != StatusSucceeded {
		t.Fatalf("expected succeeded, got %s", job.status)
	}
}

func TestPoolStartFailsFastOnBadBinary(t *testing.T) {
	p := New(Config{PoolSize: 1, WorkerBin: "/nonexistent/queryworker"})
	if err := p.Start(); err == nil {
		t.Fatal("expected Start to fail for a missing worker binary")
	}
}
