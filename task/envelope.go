package task

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrUnknownFunc is returned when a Task's envelope names a function that
// was never registered in this process.
var ErrUnknownFunc = errors.New("task: unknown registered function")

// envelope is the wire shape carried inside Task.Data: the registered
// function name plus its opaque argument bytes. It is an internal
// same-binary round-trip, not a cross-language wire contract, so it uses
// encoding/gob rather than a dedicated serialization library.
type envelope struct {
	Func string
	Args []byte
}

// Func is a registered task body. It receives the opaque argument bytes
// the caller supplied to Create and returns an error on failure.
type Func func(args []byte) error

var (
	registryMu sync.RWMutex
	registry   = map[string]Func{}
)

// Register binds name to fn in the process-wide function registry. It must
// be called during application startup, before any child process attempts
// to deserialize a Task naming it — this is the static-dispatch substitute
// for the original implementation's runtime "module:function" path
// resolution.
func Register(name string, fn Func) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = fn
}

// Lookup returns the Func registered under name, if any.
func Lookup(name string) (Func, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	fn, ok := registry[name]
	return fn, ok
}

// Create builds a Task whose Data envelope names a registered function and
// carries its argument bytes. timeout may be zero to defer to the queue's
// default. id is typically 0 here — the queue assigns the stable ID on
// Enqueue.
func Create(id int64, name string, args []byte, timeout time.Duration) (*Task, error) {
	if _, ok := Lookup(name); !ok {
		return nil, fmt.Errorf("task: register %q before creating a task for it: %w", name, ErrUnknownFunc)
	}
	data, err := encodeEnvelope(envelope{Func: name, Args: args})
	if err != nil {
		return nil, fmt.Errorf("task: encode envelope: %w", err)
	}
	return &Task{ID: id, Data: data, Timeout: timeout}, nil
}

func encodeEnvelope(e envelope) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(e); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeEnvelope(data []byte) (envelope, error) {
	var e envelope
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&e); err != nil {
		return envelope{}, fmt.Errorf("task: decode envelope: %w", err)
	}
	return e, nil
}

// Deserialize parses the wire envelope carried by t.Data and resolves it
// against the process-wide registry. Unlike Task itself, the returned
// *Resolved is only ever constructed inside the child process that will
// run the task.
func Deserialize(t *Task) (*Resolved, error) {
	e, err := decodeEnvelope(t.Data)
	if err != nil {
		return nil, err
	}
	fn, ok := Lookup(e.Func)
	if !ok {
		return nil, fmt.Errorf("task: %d names %q: %w", t.ID, e.Func, ErrUnknownFunc)
	}
	return &Resolved{Task: t, fn: fn, args: e.Args}, nil
}

// Resolved is a Task whose callable has been looked up in the registry and
// is ready to run.
type Resolved struct {
	*Task
	fn   Func
	args []byte
}

// Run invokes the resolved callable with its argument bytes.
func (r *Resolved) Run() error {
	return r.fn(r.args)
}
