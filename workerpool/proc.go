package workerpool

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"querychat/worker"
)

// workerProc wraps one spawned worker process and its protocol pipes.
// Requests and responses are single JSON lines; the process executes one
// request at a time, guarded by mu.
type workerProc struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	mu     sync.Mutex
	// dead is atomic so kill() can flip it while execute() holds mu blocked
	// on a read.
	dead atomic.Bool
}

// spawnWorker starts a worker binary and verifies it answers a ping.
func spawnWorker(bin string, args []string, env []string) (*workerProc, error) {
	cmd := exec.Command(bin, args...)
	configureWorkerProc(cmd)
	cmd.Env = append(os.Environ(), env...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %v", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("failed to create stdout pipe: %v", err)
	}
	if err := cmd.Start(); err != nil {
		stdin.Close()
		return nil, fmt.Errorf("failed to start worker: %v", err)
	}

	p := &workerProc{
		cmd:    cmd,
		stdin:  stdin,
		stdout: bufio.NewReaderSize(stdout, 1024*1024),
	}

	// Reap the process when it exits so crashed workers don't pile up as
	// zombies.
	go cmd.Wait()

	if err := p.ping(5 * time.Second); err != nil {
		p.kill()
		return nil, fmt.Errorf("worker failed handshake: %v", err)
	}
	return p, nil
}

// ping sends a liveness request with its own timeout. Only used at spawn;
// job deadlines are the watchdog's responsibility.
func (p *workerProc) ping(timeout time.Duration) error {
	type outcome struct {
		resp *worker.JobResponse
		err  error
	}
	ch := make(chan outcome, 1)
	go func() {
		resp, err := p.execute(&worker.JobRequest{Op: worker.OpPing})
		ch <- outcome{resp, err}
	}()

	select {
	case o := <-ch:
		if o.err != nil {
			return o.err
		}
		if o.resp.Status != "ok" {
			return fmt.Errorf("unexpected ping response: %s", o.resp.Status)
		}
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("ping timeout")
	}
}

// execute sends one request and waits for its response line. It has no
// internal timeout; if the watchdog kills the process the pending read fails
// and the caller sorts out timeout vs crash.
func (p *workerProc) execute(req *worker.JobRequest) (*worker.JobResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.dead.Load() {
		return nil, fmt.Errorf("worker process is dead")
	}

	reqBytes, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %v", err)
	}
	if _, err := fmt.Fprintf(p.stdin, "%s\n", reqBytes); err != nil {
		p.dead.Store(true)
		return nil, fmt.Errorf("failed to send request: %v", err)
	}

	line, err := p.stdout.ReadString('\n')
	if err != nil {
		p.dead.Store(true)
		return nil, fmt.Errorf("failed to read response: %v", err)
	}

	var resp worker.JobResponse
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		p.dead.Store(true)
		return nil, fmt.Errorf("failed to parse response: %v", err)
	}
	return &resp, nil
}

// kill force-terminates the process. Deliberately lock-free so it can fire
// while execute() is blocked mid-read. Safe to call multiple times.
func (p *workerProc) kill() {
	p.dead.Store(true)
	if p.stdin != nil {
		p.stdin.Close()
	}
	if p.cmd.Process != nil {
		p.cmd.Process.Kill()
	}
}

func (p *workerProc) pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}
