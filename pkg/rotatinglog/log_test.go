package rotatinglog

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRotation(t *testing.T) {
	r := require.New(t)

	path := filepath.Join(t.TempDir(), "logs", "server.log")

	w, err := Open(path, 1, 2)
	r.NoError(err)
	defer w.Close()

	chunk := bytes.Repeat([]byte("x"), 700*1024)

	for i := 0; i < 4; i++ {
		n, err := w.Write(chunk)
		r.NoError(err)
		r.Equal(len(chunk), n)
	}

	for _, p := range []string{path, path + ".1", path + ".2"} {
		info, err := os.Stat(p)
		r.NoError(err, p)
		r.Equal(int64(len(chunk)), info.Size(), p)
	}

	_, err = os.Stat(path + ".3")
	r.True(os.IsNotExist(err))
}

func TestReopenAppends(t *testing.T) {
	r := require.New(t)

	path := filepath.Join(t.TempDir(), "server.log")

	w, err := Open(path, 1, 1)
	r.NoError(err)
	_, err = w.Write([]byte("one\n"))
	r.NoError(err)
	r.NoError(w.Close())

	_, err = w.Write([]byte("closed\n"))
	r.ErrorIs(err, os.ErrClosed)

	w, err = Open(path, 1, 1)
	r.NoError(err)
	_, err = w.Write([]byte("two\n"))
	r.NoError(err)
	r.NoError(w.Close())

	data, err := os.ReadFile(path)
	r.NoError(err)
	r.Equal("one\ntwo\n", string(data))
}

func TestNoBackups(t *testing.T) {
	r := require.New(t)

	path := filepath.Join(t.TempDir(), "server.log")

	w, err := Open(path, 1, 0)
	r.NoError(err)
	defer w.Close()

	chunk := bytes.Repeat([]byte("y"), 600*1024)
	_, err = w.Write(chunk)
	r.NoError(err)
	_, err = w.Write(chunk)
	r.NoError(err)

	info, err := os.Stat(path)
	r.NoError(err)
	r.Equal(int64(len(chunk)), info.Size())

	_, err = os.Stat(path + ".1")
	r.True(os.IsNotExist(err))

	_, err = Open(path, 0, 1)
	r.Error(err)
}
