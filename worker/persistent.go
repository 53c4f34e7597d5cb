package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"pkt.systems/delayed/task"
)

// childSlot holds the live persistent child, if any — the Go analogue of
// the original's (pid, task_pipe_write_fd, result_pipe_read_fd) tuple.
type childSlot struct {
	cmd    *exec.Cmd
	stdin  *os.File
	stdout *os.File
	inFd   int
	outFd  int
}

func (s *childSlot) empty() bool { return s == nil || s.cmd == nil }

// PersistentSupervisor reuses a single re-executed child across many
// dequeued tasks, amortizing exec cost, and burns + lazily respawns the
// child whenever a task misbehaves. Grounded on
// original_source/delayed/worker.py's PreforkedWorker.
type PersistentSupervisor struct {
	base

	slot *childSlot
}

// NewPersistentSupervisor validates cfg and returns a ready supervisor.
func NewPersistentSupervisor(cfg Config) (*PersistentSupervisor, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &PersistentSupervisor{base: newBase(cfg)}, nil
}

// Run dequeues tasks until Stop is called or ctx is cancelled, spawning a
// child lazily and reusing it across tasks until it dies or misbehaves.
func (s *PersistentSupervisor) Run(ctx context.Context) error {
	s.setStatus(Running)
	stop := s.registerSignals()
	defer stop()
	defer s.killSlot()
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
			time.Sleep(emptyDequeueBackoff)
			continue
		}

		s.runOne(ctx, t)
	}
	return nil
}

func (s *PersistentSupervisor) runOne(ctx context.Context, t *task.Task) {
	if s.slot.empty() {
		if err := s.spawn(); err != nil {
			s.cfg.Logger.Error().Err(err).Msg("spawn persistent child failed")
			s.safeRequeue(ctx, t)
			return
		}
	}

	timeout := t.EffectiveTimeout(s.cfg.Queue.DefaultTimeout())

	if err := s.sendTask(t, timeout); err != nil {
		s.cfg.Logger.Error().Err(err).Int64("task_id", t.ID).Msg("dispatch task failed, burning child")
		s.killSlot()
		s.safeRequeue(ctx, t)
		return
	}

	s.monitorTask(ctx, t, timeout)
}

// spawn re-executes the running binary in persistent child mode and wires
// its stdin/stdout as a framed, non-blocking channel pair.
func (s *PersistentSupervisor) spawn() error {
	cmd := exec.Command(os.Args[0], os.Args[1:]...)
	cmd.Env = childCommandEnv(modePersistent)
	cmd.Stderr = os.Stderr

	stdinW, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("worker: child stdin pipe: %w", err)
	}
	stdoutR, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("worker: child stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("worker: start child: %w", err)
	}

	stdin := stdinW.(*os.File)
	stdout := stdoutR.(*os.File)

	inFd, err := rawFd(stdin)
	if err != nil {
		_ = cmd.Process.Kill()
		return err
	}
	outFd, err := rawFd(stdout)
	if err != nil {
		_ = cmd.Process.Kill()
		return err
	}

	s.slot = &childSlot{cmd: cmd, stdin: stdin, stdout: stdout, inFd: inFd, outFd: outFd}
	return nil
}

// sendTask dispatches a single task frame to the child: a single
// non-blocking write attempt, falling back to a poll-and-retry loop bounded
// by half the task's own timeout.
func (s *PersistentSupervisor) sendTask(t *task.Task, timeout time.Duration) error {
	frame, err := encodeWireTask(t)
	if err != nil {
		return fmt.Errorf("worker: encode task frame: %w", err)
	}
	return writeFrame(s.slot.inFd, frame, sendDeadline(timeout))
}

// killSlot kills and reaps the current child, if any, and clears the slot.
func (s *PersistentSupervisor) killSlot() {
	if s.slot.empty() {
		return
	}
	_ = s.slot.cmd.Process.Kill()
	_, _ = s.slot.cmd.Process.Wait()
	_ = s.slot.stdin.Close()
	_ = s.slot.stdout.Close()
	s.slot = nil
}

// monitorTask multiplexes the persistent child's exit against its
// result-byte stream. Unlike the per-task variant the child is not torn
// down on a clean result: it stays in the slot for the next dequeued task.
func (s *PersistentSupervisor) monitorTask(ctx context.Context, t *task.Task, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	killDeadline := deadline.Add(s.cfg.killTimeout())

	slot := s.slot
	doneCh := make(chan error, 1)
	go func() { doneCh <- slot.cmd.Wait() }()

	resultCh := make(chan *byte, 1)
	go func() {
		buf, eof, err := readExactly(slot.outFd, 1, time.Time{})
		if err != nil || eof || len(buf) == 0 {
			resultCh <- nil
			return
		}
		b := buf[0]
		resultCh <- &b
	}()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	var killing bool

	for {
		select {
		case waitErr := <-doneCh:
			s.classifyChildDeath(ctx, t, slot, waitErr)
			return
		case b := <-resultCh:
			if b == nil {
				// EOF before a byte arrived: the child died between
				// writing a previous result and this frame. The next
				// waker-equivalent wake (doneCh) handles it.
				continue
			}
			// Success or failure already dispatched child-side; the
			// child stays alive for the next task.
			s.safeRelease(ctx, t)
			return
		case now := <-ticker.C:
			if !killing && !now.Before(deadline) {
				killing = true
				s.cfg.Logger.Debug().Int64("task_id", t.ID).Msg("deadline passed, sending SIGTERM")
				_ = slot.cmd.Process.Signal(syscall.SIGTERM)
			} else if killing && !now.Before(killDeadline) {
				s.cfg.Logger.Debug().Int64("task_id", t.ID).Msg("kill deadline passed, sending SIGKILL")
				_ = slot.cmd.Process.Signal(syscall.SIGKILL)
			}
		}
	}
}

// classifyChildDeath handles the doneCh branch of monitorTask: the child
// exited without ever delivering a result byte for this task.
func (s *PersistentSupervisor) classifyChildDeath(ctx context.Context, t *task.Task, slot *childSlot, waitErr error) {
	if s.slot == slot {
		s.slot = nil
	}
	_ = slot.stdin.Close()
	_ = slot.stdout.Close()

	ws, ok := slot.cmd.ProcessState.Sys().(syscall.WaitStatus)
	if !ok {
		s.cfg.Logger.Error().Err(waitErr).Int64("task_id", t.ID).Msg("persistent child wait produced no usable process state")
		s.safeRequeue(ctx, t)
		return
	}

	if ws.Signaled() {
		sig := int(ws.Signal())
		s.safeError(t, &sig, nil)
		s.safeRelease(ctx, t)
		return
	}
	// Exited, no signal, no result byte: the channel broke before the
	// task ran to completion.
	s.cfg.Logger.Error().Int("exit_status", ws.ExitStatus()).Int64("task_id", t.ID).Msg("persistent child exited without completing its task")
	s.safeRequeue(ctx, t)
}

// runPersistentChild is the persistent child's main loop, reached via
// Bootstrap. It reads frames from stdin until EOF or a protocol error,
// running each task in turn, and returns the exit code Bootstrap passes to
// os.Exit.
func runPersistentChild(cfg Config) int {
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

	lastCode := 0
	for {
		body, err := readFrame(inFd, time.Time{})
		if err != nil {
			if errors.Is(err, errCleanEOF) {
				return lastCode
			}
			writeFrameByte(outFd, '1')
			return 1
		}

		lastCode = runOnePersistentTask(cfg, outFd, body)
	}
}

// runOnePersistentTask executes a single frame's task and reports its
// outcome, returning the exit code the process uses once its session ends.
// If the result write itself fails (parent gone), the process exits
// immediately with that code.
func runOnePersistentTask(cfg Config, outFd int, body []byte) int {
	report := func(b byte, code int) int {
		if err := writeFrameByte(outFd, b); err != nil {
			os.Exit(code)
		}
		return code
	}

	t, err := decodeWireTask(body)
	if err != nil {
		cfg.Logger.Error().Err(err).Msg("decode task frame failed")
		return report('1', 1)
	}

	resolved, err := task.Deserialize(t)
	if err != nil {
		cfg.Logger.Error().Err(err).Int64("task_id", t.ID).Msg("deserialize task failed")
		safeReleaseChild(cfg, t)
		return report('1', 1)
	}

	runErr := runResolved(resolved)
	safeReleaseChild(cfg, t)
	if runErr != nil {
		cfg.safeErrorChild(t, nil, runErr)
		return report('1', 1)
	}
	cfg.safeSuccessChild(t)
	return report('0', 0)
}
