package filestore

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestNew_EmptyRoot(t *testing.T) {
	_, err := New("")
	assert.Error(t, err)
}

func TestWriteAndRead(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Write("images/guild", "cat", []byte("first")))
	require.NoError(t, s.Write("images/guild", "cat", []byte("second")))

	data, ok, err := s.Read("images/guild", "cat")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("second"), data)

	_, err = os.Stat(filepath.Join(s.Root(), "images", "guild", "cat"))
	assert.NoError(t, err)
}

func TestRead_Missing(t *testing.T) {
	s := newTestStore(t)

	data, ok, err := s.Read("nowhere", "ghost")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, data)
}

func TestRename(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Write("d", "cat", []byte("png")))

	require.NoError(t, s.Rename("d", "cat", "cat.png"))

	_, ok, err := s.Read("d", "cat")
	require.NoError(t, err)
	assert.False(t, ok)

	data, ok, err := s.Read("d", "cat.png")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("png"), data)
}

func TestRename_NotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.Rename("d", "missing", "other")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMove_AcrossDirectories(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Write("staging/g", "cat", []byte("x")))

	require.NoError(t, s.Move("staging/g", "cat", "images/g", "cat.jpg"))

	names, err := s.List("staging/g")
	require.NoError(t, err)
	assert.Empty(t, names)

	names, err = s.List("images/g")
	require.NoError(t, err)
	assert.Equal(t, []string{"cat.jpg"}, names)
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Write("d", "f", []byte("x")))

	require.NoError(t, s.Delete("d", "f"))
	assert.ErrorIs(t, s.Delete("d", "f"), ErrNotFound)
}

func TestOpen(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Write("d", "f", []byte("stream me")))

	rc, err := s.Open("d", "f")
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "stream me", string(data))

	_, err = s.Open("d", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestList_MissingDirectory(t *testing.T) {
	s := newTestStore(t)
	names, err := s.List("nope")
	require.NoError(t, err)
	assert.NotNil(t, names)
	assert.Empty(t, names)
}

func TestRemoveAll(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Write("staging/a", "x", []byte("1")))
	require.NoError(t, s.Write("staging/b", "y", []byte("2")))

	require.NoError(t, s.RemoveAll("staging"))
	_, err := os.Stat(filepath.Join(s.Root(), "staging"))
	assert.True(t, os.IsNotExist(err))

	assert.ErrorIs(t, s.RemoveAll(""), ErrInvalidPath)
}

func TestPath_RejectsTraversal(t *testing.T) {
	s := newTestStore(t)

	tests := []struct {
		name string
		dir  string
		file string
	}{
		{name: "parent dir", dir: "../outside", file: "f"},
		{name: "nested parent dir", dir: "images/../../outside", file: "f"},
		{name: "separator in name", dir: "images", file: "a/b"},
		{name: "backslash in name", dir: "images", file: `a\b`},
		{name: "dot dot name", dir: "images", file: ".."},
		{name: "empty name", dir: "images", file: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Path(tt.dir, tt.file)
			assert.ErrorIs(t, err, ErrInvalidPath)
			assert.ErrorIs(t, s.Write(tt.dir, tt.file, []byte("x")), ErrInvalidPath)
		})
	}
}
