package worker

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"pkt.systems/delayed/queue"
	"pkt.systems/delayed/task"
)

// markerFileEnv names the environment variable a test points at a scratch
// file; registered task bodies and the child-side handlers below append one
// line per event, giving the parent test process a way to observe what
// happened inside a re-executed child it cannot otherwise inspect.
const markerFileEnv = "DELAYED_TEST_MARKER_FILE"

var registerOnce sync.Once

func registerHelperTasks() {
	registerOnce.Do(func() {
		task.Register("test.ok", func(args []byte) error {
			appendMarker(fmt.Sprintf("ran:ok:pid:%d", os.Getpid()))
			return nil
		})
		task.Register("test.fail", func(args []byte) error {
			appendMarker("ran:fail")
			return errors.New("boom")
		})
		task.Register("test.panic", func(args []byte) error {
			appendMarker("ran:panic")
			panic("kaboom")
		})
		task.Register("test.sleep", func(args []byte) error {
			appendMarker("started:sleep")
			time.Sleep(argDuration(args))
			appendMarker("ran:sleep")
			return nil
		})
		task.Register("test.ignoreterm", func(args []byte) error {
			signal.Ignore(syscall.SIGTERM)
			time.Sleep(argDuration(args))
			appendMarker("ran:ignoreterm")
			return nil
		})
		task.Register("test.bigarg", func(args []byte) error {
			appendMarker(fmt.Sprintf("ran:bigarg:len:%d", len(args)))
			return nil
		})
	})
}

func argDuration(args []byte) time.Duration {
	ms, _ := strconv.Atoi(string(args))
	return time.Duration(ms) * time.Millisecond
}

func appendMarker(line string) {
	path := os.Getenv(markerFileEnv)
	if path == "" {
		return
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return
	}
	defer f.Close()
	fmt.Fprintln(f, line)
}

// childTestConfig is what a re-executed helper process runs under. It is
// intentionally separate from whatever Config a given test builds for its
// own in-process supervisor: the child is a different OS process with its
// own memory, so its Queue is a disposable MemQueue used only so
// safeReleaseChild has somewhere to write, never the one
// the parent test inspects.
func childTestConfig() Config {
	return Config{
		Queue:       queue.NewMemQueue(30 * time.Second),
		KillTimeout: 2 * time.Second,
		Logger:      zerolog.Nop(),
		SuccessHandler: func(t task.Task) {
			appendMarker(fmt.Sprintf("success:%d", t.ID))
		},
		ErrorHandler: func(t task.Task, sig *int, err error) {
			if sig != nil {
				appendMarker(fmt.Sprintf("error:%d:sig:%d", t.ID, *sig))
				return
			}
			appendMarker(fmt.Sprintf("error:%d:inproc:%v", t.ID, err))
		},
	}
}

// TestMain is where a re-executed helper process is intercepted: this is
// the same pattern an embedding application's own main() follows, just
// satisfied by the test binary instead of a cmd/ entry point.
func TestMain(m *testing.M) {
	registerHelperTasks()
	Bootstrap(childTestConfig())
	os.Exit(m.Run())
}

func newMarkerFile(t *testing.T) string {
	t.Helper()
	path := t.TempDir() + "/markers"
	t.Setenv(markerFileEnv, path)
	return path
}

func readMarkers(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		t.Fatalf("read marker file: %v", err)
	}
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "\n")
}

func containsMarker(markers []string, want string) bool {
	for _, m := range markers {
		if m == want {
			return true
		}
	}
	return false
}

func hasMarkerPrefix(markers []string, prefix string) bool {
	for _, m := range markers {
		if strings.HasPrefix(m, prefix) {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !cond() {
		t.Fatal("condition not met before timeout")
	}
}
