package eventjournal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWALStore_AppendAndReplay(t *testing.T) {
	dir := t.TempDir()
	store, err := NewWALStore(dir)
	require.NoError(t, err)

	first, err := store.Append([]byte(`{"e":"balanceUpdate","a":"BTC","d":"1"}`))
	require.NoError(t, err)
	second, err := store.Append([]byte(`{"e":"balanceUpdate","a":"BTC","d":"2"}`))
	require.NoError(t, err)
	assert.Equal(t, first+1, second)

	records, err := store.EventsAfter(0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, second, records[1].Index)
	assert.JSONEq(t, `{"e":"balanceUpdate","a":"BTC","d":"2"}`, string(records[1].Payload))

	records, err = store.EventsAfter(first)
	require.NoError(t, err)
	assert.Len(t, records, 1)

	require.NoError(t, store.Close())

	reopened, err := NewWALStore(dir)
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, second, reopened.CurrentIndex())
}

func TestWALStore_Validation(t *testing.T) {
	var nilStore *WALStore
	_, err := nilStore.Append([]byte("x"))
	assert.Error(t, err)
	assert.Zero(t, nilStore.CurrentIndex())

	store, err := NewWALStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	_, err = store.Append(nil)
	assert.Error(t, err)
}
