package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
//                              内存引擎
// ============================================================================

func TestMemoryEngine(t *testing.T) {
	e := NewMemoryEngine()
	defer e.Close()

	t.Run("读写删除", func(t *testing.T) {
		require.NoError(t, e.Put([]byte("k"), []byte("v")))
		v, err := e.Get([]byte("k"))
		require.NoError(t, err)
		assert.Equal(t, []byte("v"), v)

		require.NoError(t, e.Delete([]byte("k")))
		_, err = e.Get([]byte("k"))
		assert.ErrorIs(t, err, ErrKeyNotFound)
	})

	t.Run("返回值是副本", func(t *testing.T) {
		require.NoError(t, e.Put([]byte("k"), []byte("aaaa")))
		v, err := e.Get([]byte("k"))
		require.NoError(t, err)
		copy(v, "bbbb")

		v2, err := e.Get([]byte("k"))
		require.NoError(t, err)
		assert.Equal(t, []byte("aaaa"), v2)
	})

	t.Run("删除不存在的键无害", func(t *testing.T) {
		assert.NoError(t, e.Delete([]byte("ghost")))
	})
}

func TestMemoryEngineClosed(t *testing.T) {
	e := NewMemoryEngine()
	require.NoError(t, e.Close())

	_, err := e.Get([]byte("k"))
	assert.ErrorIs(t, err, ErrEngineClosed)
	assert.ErrorIs(t, e.Put([]byte("k"), []byte("v")), ErrEngineClosed)
}

// ============================================================================
//                              Badger 引擎
// ============================================================================

func TestBadgerEngine(t *testing.T) {
	dir := t.TempDir()

	e, err := OpenBadger(dir)
	require.NoError(t, err)

	require.NoError(t, e.Put([]byte("k"), []byte("v")))
	v, err := e.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)

	_, err = e.Get([]byte("ghost"))
	assert.ErrorIs(t, err, ErrKeyNotFound)
	require.NoError(t, e.Close())

	t.Run("重新打开后数据仍在", func(t *testing.T) {
		e, err := OpenBadger(dir)
		require.NoError(t, err)
		defer e.Close()

		v, err := e.Get([]byte("k"))
		require.NoError(t, err)
		assert.Equal(t, []byte("v"), v)
	})
}

// ============================================================================
//                              前缀隔离
// ============================================================================

func TestStorePrefix(t *testing.T) {
	e := NewMemoryEngine()
	defer e.Close()

	a := NewStore(e, []byte("a/"))
	b := NewStore(e, []byte("b/"))

	require.NoError(t, a.Put([]byte("k"), []byte("va")))
	require.NoError(t, b.Put([]byte("k"), []byte("vb")))

	va, err := a.Get([]byte("k"))
	require.NoError(t, err)
	vb, err := b.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("va"), va)
	assert.Equal(t, []byte("vb"), vb)

	t.Run("删除只影响自己的键空间", func(t *testing.T) {
		require.NoError(t, a.Delete([]byte("k")))
		_, err := a.Get([]byte("k"))
		assert.ErrorIs(t, err, ErrKeyNotFound)
		_, err = b.Get([]byte("k"))
		assert.NoError(t, err)
	})
}
