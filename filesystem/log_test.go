package filesystem

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/brettbedarf/kernfs/internal/mocks"
	"github.com/brettbedarf/kernfs/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestLog_CommitsWhenLastTransactionEnds(t *testing.T) {
	t.Parallel()

	st := store.NewMem()
	l := NewLog(st, 30, 10)
	k := store.Key{Dev: 1, Inum: 5}

	tx1 := l.Begin()
	tx2 := l.Begin()
	l.write(tx1, k, []byte("one"))
	l.write(tx2, k, []byte("two"))

	assert.Equal(t, []byte("two"), l.read(k), "readers see pending writes")
	data, err := st.Get(k)
	require.NoError(t, err)
	assert.Nil(t, data, "nothing reaches the store while transactions are open")

	tx1.End()
	data, err = st.Get(k)
	require.NoError(t, err)
	assert.Nil(t, data, "commit waits for the last outstanding transaction")

	tx2.End()
	data, err = st.Get(k)
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), data)
	assert.Equal(t, uint64(1), l.Commits())
}

func TestLog_EmptyTransactionDoesNotCommit(t *testing.T) {
	t.Parallel()

	st := &mocks.MockStore{}
	l := NewLog(st, 30, 10)
	l.Begin().End()

	st.AssertNotCalled(t, "Commit", mock.Anything)
	assert.Equal(t, uint64(0), l.Commits())
}

func TestLog_CommitOrder(t *testing.T) {
	t.Parallel()

	st := &mocks.MockStore{}
	var batches [][]store.Record
	st.On("Commit", mock.Anything).Run(func(args mock.Arguments) {
		batches = append(batches, args.Get(0).([]store.Record))
	}).Return(nil)

	l := NewLog(st, 30, 10)
	for i := range 3 {
		tx := l.Begin()
		l.write(tx, store.Key{Dev: 1, Inum: uint32(i + 1)}, []byte{byte(i)})
		tx.End()
	}

	require.Len(t, batches, 3)
	for i, b := range batches {
		require.Len(t, b, 1)
		assert.Equal(t, uint32(i+1), b[0].Inum, "commits must follow transaction order")
	}
}

func TestLog_CommitFailureIsFatal(t *testing.T) {
	t.Parallel()

	st := &mocks.MockStore{}
	st.On("Commit", mock.Anything).Return(assert.AnError)

	l := NewLog(st, 30, 10)
	tx := l.Begin()
	l.write(tx, store.Key{Dev: 1, Inum: 1}, []byte("x"))
	assert.Panics(t, tx.End)
}

func TestLog_BeginWaitsForRoom(t *testing.T) {
	t.Parallel()

	l := NewLog(store.NewMem(), 20, 10)
	tx1 := l.Begin()
	tx2 := l.Begin()

	var begun atomic.Bool
	done := make(chan struct{})
	go func() {
		tx := l.Begin()
		begun.Store(true)
		tx.End()
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	assert.False(t, begun.Load(), "a third transaction must wait for reserved room")

	tx1.End()
	tx2.End()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiting transaction never began")
	}
}

func TestTx_Misuse(t *testing.T) {
	t.Parallel()

	l := NewLog(store.NewMem(), 30, 10)
	tx := l.Begin()
	tx.End()

	assert.Panics(t, tx.End, "double end")
	assert.Panics(t, func() { l.write(tx, store.Key{Dev: 1, Inum: 1}, nil) }, "write after end")
}

func TestLog_TooBigTransaction(t *testing.T) {
	t.Parallel()

	l := NewLog(store.NewMem(), 2, 2)
	tx := l.Begin()
	l.write(tx, store.Key{Dev: 1, Inum: 1}, nil)
	l.write(tx, store.Key{Dev: 1, Inum: 2}, nil)
	l.write(tx, store.Key{Dev: 1, Inum: 1}, []byte("absorbed"))
	assert.Panics(t, func() { l.write(tx, store.Key{Dev: 1, Inum: 3}, nil) })
}
