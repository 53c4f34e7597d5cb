package worker

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"pkt.systems/delayed/task"
)

// PerTaskSupervisor forks (re-executes) a fresh child for every dequeued
// task; the child runs exactly one task and exits. Grounded on
// original_source/delayed/worker.py's ForkedWorker (run, _monitor_task).
type PerTaskSupervisor struct {
	base
}

// NewPerTaskSupervisor validates cfg and returns a ready supervisor.
func NewPerTaskSupervisor(cfg Config) (*PerTaskSupervisor, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &PerTaskSupervisor{base: newBase(cfg)}, nil
}

// Run dequeues tasks until Stop is called or ctx is cancelled, spawning one
// child per task. It returns once the current task (if any) has been fully
// supervised.
func (s *PerTaskSupervisor) Run(ctx context.Context) error {
	s.setStatus(Running)
	stop := s.registerSignals()
	defer stop()
	defer s.setStatus(Stopped)

	for s.Status() != Stopping {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		t, err := s.cfg.Queue.Dequeue(ctx)
		if err != nil {
			s.cfg.Logger.Error().Err(err).Msg("dequeue failed")
			continue
		}
		if t == nil {
			// Real queue implementations already block for their own
			// polling cadence (e.g. redisqueue's BLPOP); this short
			// sleep only keeps a non-blocking queue like MemQueue from
			// spinning a core.
			time.Sleep(emptyDequeueBackoff)
			continue
		}

		s.runOne(ctx, t)
	}
	return nil
}

// runOne spawns one child, dispatches t, and supervises it to completion.
func (s *PerTaskSupervisor) runOne(ctx context.Context, t *task.Task) {
	frame, err := encodeWireTask(t)
	if err != nil {
		s.cfg.Logger.Error().Err(err).Int64("task_id", t.ID).Msg("encode task frame failed")
		s.safeRequeue(ctx, t)
		return
	}

	cmd := exec.Command(os.Args[0], os.Args[1:]...)
	cmd.Env = childCommandEnv(modePerTask)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		s.cfg.Logger.Error().Err(err).Int64("task_id", t.ID).Msg("child stdin pipe failed")
		s.safeRequeue(ctx, t)
		return
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.cfg.Logger.Error().Err(err).Int64("task_id", t.ID).Msg("child stdout pipe failed")
		s.safeRequeue(ctx, t)
		return
	}

	if err := cmd.Start(); err != nil {
		s.cfg.Logger.Error().Err(err).Int64("task_id", t.ID).Msg("start child failed")
		s.safeRequeue(ctx, t)
		return
	}

	timeout := t.EffectiveTimeout(s.cfg.Queue.DefaultTimeout())

	inFd, err := rawFd(stdin.(*os.File))
	if err != nil {
		s.cfg.Logger.Error().Err(err).Int64("task_id", t.ID).Msg("child stdin not fd-backed")
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
		s.safeRequeue(ctx, t)
		return
	}
	if err := writeFrame(inFd, frame, sendDeadline(timeout)); err != nil {
		s.cfg.Logger.Error().Err(err).Int64("task_id", t.ID).Msg("dispatch task frame failed")
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
		s.safeRequeue(ctx, t)
		return
	}
	// Half-close stdin: the child's single-frame reader sees a clean
	// end-of-session after this one frame.
	_ = stdin.Close()

	outFd, err := rawFd(stdout.(*os.File))
	if err != nil {
		s.cfg.Logger.Error().Err(err).Int64("task_id", t.ID).Msg("child stdout not fd-backed")
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
		s.safeRequeue(ctx, t)
		return
	}

	s.monitorTask(ctx, t, cmd, outFd, timeout)
}

// monitorTask multiplexes the child's exit and its single result byte
// against a 100ms ticker that reassesses the deadline and kill-deadline.
func (s *PerTaskSupervisor) monitorTask(ctx context.Context, t *task.Task, cmd *exec.Cmd, outFd int, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	killDeadline := deadline.Add(s.cfg.killTimeout())

	doneCh := make(chan error, 1)
	go func() { doneCh <- cmd.Wait() }()

	resultCh := make(chan *byte, 1)
	go func() {
		buf, eof, err := readExactly(outFd, 1, time.Time{})
		if err != nil || eof || len(buf) == 0 {
			resultCh <- nil
			return
		}
		b := buf[0]
		resultCh <- &b
	}()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	var result *byte
	var killing bool
	var waitErr error

	for {
		select {
		case waitErr = <-doneCh:
			s.classify(ctx, t, cmd, result, waitErr)
			return
		case b := <-resultCh:
			result = b
		case now := <-ticker.C:
			if !killing && !now.Before(deadline) {
				killing = true
				s.cfg.Logger.Debug().Int64("task_id", t.ID).Msg("deadline passed, sending SIGTERM")
				_ = cmd.Process.Signal(syscall.SIGTERM)
			} else if killing && !now.Before(killDeadline) {
				s.cfg.Logger.Debug().Int64("task_id", t.ID).Msg("kill deadline passed, sending SIGKILL")
				_ = cmd.Process.Signal(syscall.SIGKILL)
			}
		}
	}
}

// classify maps the child's terminal state onto the outcome taxonomy.
func (s *PerTaskSupervisor) classify(ctx context.Context, t *task.Task, cmd *exec.Cmd, result *byte, waitErr error) {
	ws, ok := cmd.ProcessState.Sys().(syscall.WaitStatus)
	if !ok {
		s.cfg.Logger.Error().Err(waitErr).Int64("task_id", t.ID).Msg("child wait produced no usable process state")
		s.safeRequeue(ctx, t)
		return
	}

	switch {
	case ws.Signaled():
		sig := int(ws.Signal())
		s.safeError(t, &sig, nil)
		s.safeRelease(ctx, t)
	case ws.ExitStatus() == 0:
		if result != nil {
			// Success or failure was already dispatched inside the
			// child, per the preserved in-child/in-parent asymmetry.
			s.safeRelease(ctx, t)
			return
		}
		s.cfg.Logger.Error().Int64("task_id", t.ID).Msg("child exited cleanly without a result byte")
		s.safeRequeue(ctx, t)
	default:
		// Child failed before it ever ran the task (e.g. bootstrap
		// itself errored) — never release, never call a handler.
		s.cfg.Logger.Error().Int("exit_status", ws.ExitStatus()).Int64("task_id", t.ID).Msg("child exited before running its task")
		s.safeRequeue(ctx, t)
	}
}

// runPerTaskChild is the one-shot child entry point Bootstrap dispatches
// to. It reads exactly one task frame from stdin, runs it, and reports the
// outcome as a single result byte on stdout before exiting.
func runPerTaskChild(cfg Config) int {
	inFd, err := rawFd(os.Stdin)
	if err != nil {
		fmt.Fprintln(os.Stderr, "worker: child stdin:", err)
		return 1
	}
	outFd, err := rawFd(os.Stdout)
	if err != nil {
		fmt.Fprintln(os.Stderr, "worker: child stdout:", err)
		return 1
	}

	body, err := readFrame(inFd, time.Time{})
	if err != nil {
		writeResultByte(outFd, '1')
		return 1
	}

	t, err := decodeWireTask(body)
	if err != nil {
		cfg.Logger.Error().Err(err).Msg("decode task frame failed")
		writeResultByte(outFd, '1')
		return 1
	}

	resolved, err := task.Deserialize(t)
	if err != nil {
		cfg.Logger.Error().Err(err).Int64("task_id", t.ID).Msg("deserialize task failed")
		safeReleaseChild(cfg, t)
		writeResultByte(outFd, '1')
		return 1
	}

	// Past this point the task actually ran, so its outcome — success or
	// task-code error — is terminal from the supervisor's point of view:
	// the process exits 0 either way, and the result byte alone tells the
	// parent which it was.
	runErr := runResolved(resolved)
	safeReleaseChild(cfg, t)
	if runErr != nil {
		cfg.safeErrorChild(t, nil, runErr)
		writeResultByte(outFd, '1')
		return 0
	}
	cfg.safeSuccessChild(t)
	writeResultByte(outFd, '0')
	return 0
}

// runResolved invokes the task body, recovering any panic into an error so
// a misbehaving task never escapes as a crash inside the child — the Go
// analogue of the original catching every exception around task execution.
func runResolved(r *task.Resolved) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("worker: task panicked: %v", rec)
		}
	}()
	return r.Run()
}

// writeResultByte writes a single result byte, tolerating a parent that has
// already gone away (the process exits regardless once its caller returns).
func writeResultByte(fd int, b byte) {
	_ = writeFrameByte(fd, b)
}
