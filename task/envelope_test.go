package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndDeserialize(t *testing.T) {
	Register("envelope_test.add", func(args []byte) error { return nil })

	tk, err := Create(0, "envelope_test.add", []byte("1,2"), 250*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, tk.Timeout)
	assert.NotEmpty(t, tk.Data)

	resolved, err := Deserialize(tk)
	require.NoError(t, err)
	assert.NoError(t, resolved.Run())
}

func TestCreateUnknownFunc(t *testing.T) {
	_, err := Create(0, "envelope_test.does_not_exist", nil, 0)
	require.ErrorIs(t, err, ErrUnknownFunc)
}

func TestDeserializeUnknownFunc(t *testing.T) {
	Register("envelope_test.transient", func([]byte) error { return nil })
	tk, err := Create(0, "envelope_test.transient", nil, 0)
	require.NoError(t, err)

	registryMu.Lock()
	delete(registry, "envelope_test.transient")
	registryMu.Unlock()

	_, err = Deserialize(tk)
	require.ErrorIs(t, err, ErrUnknownFunc)
}

func TestDeserializeCorruptData(t *testing.T) {
	tk := &Task{ID: 1, Data: []byte("not a gob envelope")}
	_, err := Deserialize(tk)
	require.Error(t, err)
}

func TestRunPropagatesError(t *testing.T) {
	Register("envelope_test.fails", func([]byte) error { return assert.AnError })
	tk, err := Create(0, "envelope_test.fails", nil, 0)
	require.NoError(t, err)

	resolved, err := Deserialize(tk)
	require.NoError(t, err)
	require.ErrorIs(t, resolved.Run(), assert.AnError)
}

func TestEffectiveTimeout(t *testing.T) {
	tk := &Task{Timeout: 0}
	assert.Equal(t, 5*time.Second, tk.EffectiveTimeout(5*time.Second))

	tk.Timeout = 100 * time.Millisecond
	assert.Equal(t, 100*time.Millisecond, tk.EffectiveTimeout(5*time.Second))
}
