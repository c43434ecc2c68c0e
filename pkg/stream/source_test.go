package stream

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileSourceLoops(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	const frameSize = 16
	first := bytes.Repeat([]byte{0xaa}, frameSize)
	second := bytes.Repeat([]byte{0xbb}, frameSize)

	path := filepath.Join(t.TempDir(), "frames.bin")
	require.NoError(os.WriteFile(path, append(append([]byte{}, first...), second...), 0o644))

	src, err := NewFileSource(path, frameSize)
	require.NoError(err)
	defer src.Close()

	buf := make([]byte, 64)
	for i, want := range [][]byte{first, second, first, second, first} {
		n, err := src.Get(buf)
		require.NoError(err, "read %d", i)
		assert.Equal(frameSize, n)
		assert.Equal(want, buf[:n], "read %d wraps around the recording", i)
	}
}

func TestFileSourceDefaultFrameSize(t *testing.T) {
	require := require.New(t)

	path := filepath.Join(t.TempDir(), "frames.bin")
	require.NoError(os.WriteFile(path, make([]byte, DefaultFrameSize*2), 0o644))

	src, err := NewFileSource(path, 0)
	require.NoError(err)
	defer src.Close()

	n, err := src.Get(make([]byte, DefaultFrameSize))
	require.NoError(err)
	require.Equal(DefaultFrameSize, n)
}

func TestFileSourceTooSmall(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frames.bin")
	if err := os.WriteFile(path, []byte{1, 2, 3}, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFileSource(path, 16); err == nil {
		t.Error("NewFileSource accepted a recording smaller than one frame")
	}
}

func TestFileSourceBufferTooSmall(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frames.bin")
	if err := os.WriteFile(path, make([]byte, 32), 0o644); err != nil {
		t.Fatal(err)
	}
	src, err := NewFileSource(path, 32)
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()
	if _, err := src.Get(make([]byte, 8)); err == nil {
		t.Error("Get accepted a buffer smaller than the frame size")
	}
}
