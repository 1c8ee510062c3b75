package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemDBBasicOps(t *testing.T) {
	db := NewMemDB()

	_, err := db.Get([]byte("missing"))
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, db.Put([]byte("k"), []byte("v")))
	got, err := db.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), got)

	ok, err := db.Has([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, db.Delete([]byte("k")))
	ok, err = db.Has([]byte("k"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemDBReturnsCopies(t *testing.T) {
	db := NewMemDB()
	value := []byte("original")
	require.NoError(t, db.Put([]byte("k"), value))

	value[0] = 'X'
	got, err := db.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("original"), got)

	got[0] = 'Y'
	again, err := db.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("original"), again)
}

func TestMemDBIteratePrefix(t *testing.T) {
	db := NewMemDB()
	require.NoError(t, db.Put([]byte("a/1"), []byte("1")))
	require.NoError(t, db.Put([]byte("a/2"), []byte("2")))
	require.NoError(t, db.Put([]byte("b/1"), []byte("3")))

	var keys []string
	require.NoError(t, db.Iterate([]byte("a/"), func(key, _ []byte) error {
		keys = append(keys, string(key))
		return nil
	}))
	require.Equal(t, []string{"a/1", "a/2"}, keys)
}

func TestLevelDBRoundTrip(t *testing.T) {
	db, err := NewLevelDB(t.TempDir())
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Put([]byte("escrow/record/aa"), []byte("one")))
	require.NoError(t, db.Put([]byte("escrow/record/bb"), []byte("two")))
	require.NoError(t, db.Put([]byte("escrow/params"), []byte("three")))

	got, err := db.Get([]byte("escrow/record/aa"))
	require.NoError(t, err)
	require.Equal(t, []byte("one"), got)

	_, err = db.Get([]byte("escrow/record/zz"))
	require.ErrorIs(t, err, ErrNotFound)

	var count int
	require.NoError(t, db.Iterate([]byte("escrow/record/"), func(_, _ []byte) error {
		count++
		return nil
	}))
	require.Equal(t, 2, count)
}
