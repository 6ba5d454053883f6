package trie

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"merkledrop/storage"
)

func TestTrieCommitFlushPersistsData(t *testing.T) {
	dir := t.TempDir()

	db1, err := storage.NewLevelDB(dir)
	require.NoError(t, err)

	tr, err := NewTrie(db1, nil)
	require.NoError(t, err)

	key := crypto.Keccak256Hash([]byte("key"))
	value := []byte("value")

	require.NoError(t, tr.Update(key.Bytes(), value))
	root, err := tr.Commit(common.Hash{}, 0)
	require.NoError(t, err)

	db1.Close()

	db2, err := storage.NewLevelDB(dir)
	require.NoError(t, err)
	defer db2.Close()

	restored, err := NewTrie(db2, root.Bytes())
	require.NoError(t, err)

	got, err := restored.Get(key.Bytes())
	require.NoError(t, err)
	require.Equal(t, value, got)
}

func TestTrieRevertToSnapshot(t *testing.T) {
	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	tr, err := NewTrie(db, nil)
	require.NoError(t, err)

	keep := crypto.Keccak256Hash([]byte("keep"))
	drop := crypto.Keccak256Hash([]byte("drop"))

	require.NoError(t, tr.Update(keep.Bytes(), []byte("v1")))
	before := tr.Hash()

	id := tr.Snapshot()
	require.NoError(t, tr.Update(keep.Bytes(), []byte("v2")))
	require.NoError(t, tr.Update(drop.Bytes(), []byte("x")))
	require.NotEqual(t, before, tr.Hash())

	require.NoError(t, tr.RevertToSnapshot(id))
	require.Equal(t, before, tr.Hash())

	got, err := tr.Get(keep.Bytes())
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), got)
	got, err = tr.Get(drop.Bytes())
	require.NoError(t, err)
	require.Empty(t, got)

	require.Error(t, tr.RevertToSnapshot(id))
}

func TestTrieNestedSnapshots(t *testing.T) {
	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	tr, err := NewTrie(db, nil)
	require.NoError(t, err)

	a := crypto.Keccak256Hash([]byte("a"))
	b := crypto.Keccak256Hash([]byte("b"))

	outer := tr.Snapshot()
	require.NoError(t, tr.Update(a.Bytes(), []byte("1")))

	inner := tr.Snapshot()
	require.NoError(t, tr.Update(b.Bytes(), []byte("2")))
	tr.DiscardSnapshot(inner)

	got, err := tr.Get(b.Bytes())
	require.NoError(t, err)
	require.Equal(t, []byte("2"), got)

	require.NoError(t, tr.RevertToSnapshot(outer))
	got, err = tr.Get(a.Bytes())
	require.NoError(t, err)
	require.Empty(t, got)
	got, err = tr.Get(b.Bytes())
	require.NoError(t, err)
	require.Empty(t, got)
}
