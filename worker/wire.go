package worker

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"time"

	"pkt.systems/delayed/task"
)

// wireTask is what actually crosses a frame boundary between parent and
// child. task.Task.Data alone is not enough for the child to independently
// call queue.Release on the task it just ran, so the frame carries
// the whole task record. To worker/frame.go this is still just an opaque
// []byte; only dispatch and the child loops know its shape.
type wireTask struct {
	ID      int64
	Data    []byte
	Timeout time.Duration
	Retry   int
}

func encodeWireTask(t *task.Task) ([]byte, error) {
	var buf bytes.Buffer
	w := wireTask{ID: t.ID, Data: t.Data, Timeout: t.Timeout, Retry: t.Retry}
	if err := gob.NewEncoder(&buf).Encode(w); err != nil {
		return nil, fmt.Errorf("worker: encode task frame: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeWireTask(data []byte) (*task.Task, error) {
	var w wireTask
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&w); err != nil {
		return nil, fmt.Errorf("worker: decode task frame: %w", err)
	}
	return &task.Task{ID: w.ID, Data: w.Data, Timeout: w.Timeout, Retry: w.Retry}, nil
}

// sendDeadline computes the write deadline for dispatching a task frame:
// half of the task's own timeout, with a floor so a very short task
// timeout doesn't starve the dispatch write itself.
func sendDeadline(timeout time.Duration) time.Time {
	budget := timeout / 2
	if budget < time.Second {
		budget = time.Second
	}
	return time.Now().Add(budget)
}
