// Package storagetest holds the behaviour suite every storage.Repository
// implementation must pass.
package storagetest

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/agencyportal/storage"
)

// Run exercises repo against the Repository contract. The repository must
// start empty.
func Run(t *testing.T, repo storage.Repository) {
	t.Helper()

	t.Run("PutGet", func(t *testing.T) {
		require.NoError(t, repo.Put("b1", "k1", []byte("v1")))
		got, err := repo.Get("b1", "k1")
		require.NoError(t, err)
		assert.Equal(t, []byte("v1"), got)
	})

	t.Run("Overwrite", func(t *testing.T) {
		require.NoError(t, repo.Put("b1", "ow", []byte("first")))
		require.NoError(t, repo.Put("b1", "ow", []byte("second")))
		got, err := repo.Get("b1", "ow")
		require.NoError(t, err)
		assert.Equal(t, []byte("second"), got)
	})

	t.Run("GetMissing", func(t *testing.T) {
		_, err := repo.Get("b1", "missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = repo.Get("no-such-bucket", "k")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("List", func(t *testing.T) {
		require.NoError(t, repo.Put("list", "b", []byte("2")))
		require.NoError(t, repo.Put("list", "a", []byte("1")))
		require.NoError(t, repo.Put("other", "c", []byte("3")))
		keys, err := repo.List("list")
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, keys)

		keys, err = repo.List("empty-bucket")
		require.NoError(t, err)
		assert.Empty(t, keys)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, repo.Put("del", "k", []byte("v")))
		require.NoError(t, repo.Delete("del", "k"))
		_, err := repo.Get("del", "k")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		assert.NoError(t, repo.Delete("del", "never-existed"))
		assert.NoError(t, repo.Delete("no-such-bucket", "k"))
	})

	t.Run("PutIfAbsent", func(t *testing.T) {
		require.NoError(t, repo.PutIfAbsent("claims", "id-1", []byte("first")))
		err := repo.PutIfAbsent("claims", "id-1", []byte("second"))
		assert.ErrorIs(t, err, storage.ErrExists)
		got, err := repo.Get("claims", "id-1")
		require.NoError(t, err)
		assert.Equal(t, []byte("first"), got)
	})

	t.Run("Take", func(t *testing.T) {
		require.NoError(t, repo.Put("take", "k", []byte("secret")))
		got, err := repo.Take("take", "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("secret"), got)
		_, err = repo.Take("take", "k")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("ConcurrentPutIfAbsentHasOneWinner", func(t *testing.T) {
		const workers = 16
		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				err := repo.PutIfAbsent("race", "claim", []byte(fmt.Sprint(i)))
				if err == nil {
					wins.Add(1)
					return
				}
				if !errors.Is(err, storage.ErrExists) {
					t.Errorf("unexpected error: %v", err)
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})

	t.Run("ConcurrentTakeHasOneWinner", func(t *testing.T) {
		require.NoError(t, repo.Put("race-take", "k", []byte("v")))
		const workers = 16
		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := repo.Take("race-take", "k"); err == nil {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})
}
