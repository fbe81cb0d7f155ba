package input

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tetsuo/isodemux"
)

func TestBufferStream(t *testing.T) {
	b := NewStream()
	require.Equal(t, mp4.LengthUnknown, b.Length())

	p := make([]byte, 4)
	n, err := b.Read(p)
	require.NoError(t, err)
	require.Zero(t, n)

	b.Append([]byte("abc"))
	require.Equal(t, int64(3), b.Available())
	require.ErrorIs(t, mp4.ReadFull(b, p), mp4.ErrNeedMoreData)
	require.Equal(t, int64(0), b.Position())

	b.Append([]byte("def"))
	require.NoError(t, mp4.ReadFull(b, p))
	require.Equal(t, []byte("abcd"), p)

	rem, err := mp4.SkipFull(b, 5)
	require.NoError(t, err)
	require.Equal(t, int64(3), rem)
	require.Equal(t, int64(6), b.Position())

	b.Close()
	require.Equal(t, int64(6), b.Length())
	_, err = b.Read(p)
	require.ErrorIs(t, err, io.EOF)
	require.Panics(t, func() { b.Append([]byte("x")) })
}

func TestBufferSeek(t *testing.T) {
	b := NewBuffer([]byte("0123456789"))
	require.NoError(t, b.Seek(7))
	p := make([]byte, 2)
	n, err := b.Peek(p)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, []byte("78"), p)
	require.Equal(t, int64(7), b.Position())

	require.NoError(t, b.Seek(20))
	require.Zero(t, b.Available())
	require.Error(t, b.Seek(-1))
}

func TestFile(t *testing.T) {
	data := bytes.Repeat([]byte("0123456789"), 1000)
	path := filepath.Join(t.TempDir(), "in.mp4")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	f, err := Open(path)
	require.NoError(t, err)
	defer f.Close()
	require.Equal(t, int64(len(data)), f.Length())
	require.Equal(t, int64(len(data)), f.Available())

	p := make([]byte, 5)
	require.NoError(t, mp4.PeekFull(f, p))
	require.Equal(t, []byte("01234"), p)
	require.Equal(t, int64(0), f.Position())

	n, err := f.Skip(13)
	require.NoError(t, err)
	require.Equal(t, int64(13), n)
	require.NoError(t, mp4.ReadFull(f, p))
	require.Equal(t, []byte("34567"), p)

	require.NoError(t, f.Seek(int64(len(data)-2)))
	require.ErrorIs(t, mp4.ReadFull(f, p), io.ErrUnexpectedEOF)

	require.NoError(t, f.Seek(1))
	require.NoError(t, mp4.ReadFull(f, p))
	require.Equal(t, []byte("12345"), p)
}

func TestOpenMissing(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing.mp4"))
	require.ErrorIs(t, err, os.ErrNotExist)
}
