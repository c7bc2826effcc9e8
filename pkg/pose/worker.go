package pose

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/teslashibe/go-posture/internal/log"
)

// ErrWorkerClosed is returned once the worker process has exited.
var ErrWorkerClosed = errors.New("pose: worker closed")

// WorkerConfig describes an external estimator process.
//
// The process reads requests from stdin and writes responses to stdout, both
// as msgpack maps framed by a 4 byte big-endian length:
//
//	request:  {seq, image, timestamp}
//	response: {seq, detections: [{score, keypoints: [{x, y, z, score}]}], error}
type WorkerConfig struct {
	Command      string
	Args         []string
	WriteTimeout time.Duration
}

// DefaultWorkerConfig runs the bundled MediaPipe wrapper.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Command:      "models/run_pose_worker.sh",
		WriteTimeout: 2 * time.Second,
	}
}

type workerRequest struct {
	Seq       uint64 `msgpack:"seq"`
	Image     []byte `msgpack:"image"`
	Timestamp string `msgpack:"timestamp"`
}

type workerResponse struct {
	Seq        uint64      `msgpack:"seq"`
	Detections []Detection `msgpack:"detections"`
	Error      string      `msgpack:"error"`
}

// Worker is an Estimator backed by a subprocess.
type Worker struct {
	cfg    WorkerConfig
	logger *slog.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	cancel context.CancelFunc

	mu      sync.Mutex // Serializes requests
	seq     uint64
	results chan workerResponse
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

// StartWorker spawns the estimator process.
func StartWorker(ctx context.Context, cfg WorkerConfig) (*Worker, error) {
	if cfg.Command == "" {
		return nil, errors.New("pose: worker command required")
	}
	ctx, cancel := context.WithCancel(ctx)

	cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start worker process: %w", err)
	}

	w := newWorker(cfg, stdin, stdout)
	w.cmd = cmd
	w.cancel = cancel
	w.logger.Info("pose worker spawned", "pid", cmd.Process.Pid, "command", cfg.Command)

	w.wg.Add(2)
	go w.logStderr(stderr)
	go w.waitProcess(ctx)
	return w, nil
}

// newWorker wires a worker to an already running peer.
func newWorker(cfg WorkerConfig, stdin io.WriteCloser, stdout io.Reader) *Worker {
	w := &Worker{
		cfg:     cfg,
		logger:  log.With("component", "pose-worker"),
		stdin:   stdin,
		results: make(chan workerResponse, 1),
		done:    make(chan struct{}),
	}
	w.wg.Add(1)
	go w.readResults(stdout)
	return w
}

// Estimate implements Estimator.
func (w *Worker) Estimate(ctx context.Context, jpeg []byte) ([]Detection, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	select {
	case <-w.done:
		return nil, ErrWorkerClosed
	default:
	}

	w.seq++
	req := workerRequest{
		Seq:       w.seq,
		Image:     jpeg,
		Timestamp: time.Now().Format(time.RFC3339Nano),
	}
	if err := w.send(ctx, req); err != nil {
		return nil, err
	}

	for {
		select {
		case res := <-w.results:
			// Replies to requests that timed out earlier are dropped.
			if res.Seq != req.Seq {
				continue
			}
			if res.Error != "" {
				return nil, fmt.Errorf("pose worker: %s", res.Error)
			}
			return res.Detections, nil
		case <-w.done:
			return nil, ErrWorkerClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (w *Worker) send(ctx context.Context, req workerRequest) error {
	timeout := w.cfg.WriteTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	writeErr := make(chan error, 1)
	go func() {
		writeErr <- writeFrame(w.stdin, req)
	}()

	select {
	case err := <-writeErr:
		return err
	case <-time.After(timeout):
		return errors.New("pose worker: stdin write timeout")
	case <-ctx.Done():
		return ctx.Err()
	case <-w.done:
		return ErrWorkerClosed
	}
}

func (w *Worker) readResults(stdout io.Reader) {
	defer w.wg.Done()
	defer w.shutdown()

	for {
		var res workerResponse
		if err := readFrame(stdout, &res); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				w.logger.Debug("pose worker stdout closed")
			} else {
				w.logger.Error("failed to read from pose worker", "error", err)
			}
			return
		}

		select {
		case w.results <- res:
		case <-w.done:
			return
		}
	}
}

func (w *Worker) logStderr(stderr io.Reader) {
	defer w.wg.Done()

	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.Contains(line, "[ERROR]"), strings.Contains(line, "[CRITICAL]"):
			w.logger.Error("pose worker error", "log", line)
		case strings.Contains(line, "[WARNING]"), strings.Contains(line, "[WARN]"):
			w.logger.Warn("pose worker warning", "log", line)
		default:
			w.logger.Debug("pose worker log", "log", line)
		}
	}
}

func (w *Worker) waitProcess(ctx context.Context) {
	defer w.wg.Done()

	err := w.cmd.Wait()
	switch {
	case ctx.Err() != nil:
		w.logger.Debug("pose worker exited (shutdown)")
	case err != nil:
		w.logger.Error("pose worker exited unexpectedly", "error", err)
	default:
		w.logger.Info("pose worker exited cleanly")
	}
	w.shutdown()
}

func (w *Worker) shutdown() {
	w.once.Do(func() { close(w.done) })
}

// Close stops the process and waits for its goroutines.
func (w *Worker) Close() error {
	w.shutdown()
	err := w.stdin.Close()
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	return err
}

var _ Estimator = (*Worker)(nil)
