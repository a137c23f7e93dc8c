package pipe

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadWriteRoundTrip(t *testing.T) {
	p := New(4)

	go func() {
		p.Write([]byte("hello world"))
		p.CloseWrite()
	}()

	buf, err := io.ReadAll(p)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(buf))
}

func TestWriteBlocksWhenFull(t *testing.T) {
	p := New(2)

	done := make(chan struct{})
	go func() {
		defer close(done)
		n, err := p.Write([]byte("abcd"))
		assert.NoError(t, err)
		assert.Equal(t, 4, n)
	}()

	select {
	case <-done:
		t.Fatal("write should have blocked with a full buffer")
	case <-time.After(20 * time.Millisecond):
	}

	buf := make([]byte, 2)
	n, err := p.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("write did not unblock after drain")
	}
}

func TestReadBlocksWhenEmpty(t *testing.T) {
	p := New(DefaultCapacity)

	done := make(chan struct{})
	var n int
	var err error
	go func() {
		defer close(done)
		buf := make([]byte, 16)
		n, err = p.Read(buf)
	}()

	select {
	case <-done:
		t.Fatal("read should have blocked with nothing buffered")
	case <-time.After(20 * time.Millisecond):
	}

	p.Write([]byte("x"))

	select {
	case <-done:
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	case <-time.After(time.Second):
		t.Fatal("read did not unblock after write")
	}
}

func TestCloseWriteWithErrorSurfacesOnDrain(t *testing.T) {
	p := New(16)
	p.Write([]byte("ab"))
	sentinel := io.ErrClosedPipe
	p.CloseWriteWithError(sentinel)

	buf := make([]byte, 2)
	n, err := p.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = p.Read(buf)
	assert.ErrorIs(t, err, sentinel)
}

func TestCloseReadFailsSubsequentWrites(t *testing.T) {
	p := New(16)
	require.NoError(t, p.CloseRead())

	_, err := p.Write([]byte("x"))
	assert.ErrorIs(t, err, io.ErrClosedPipe)
	assert.True(t, p.ReadClosed())
}

func TestOrderingIsPreserved(t *testing.T) {
	p := New(3)
	chunks := []string{"ab", "cde", "f", "ghij"}

	go func() {
		for _, c := range chunks {
			p.Write([]byte(c))
		}
		p.CloseWrite()
	}()

	got, err := io.ReadAll(p)
	require.NoError(t, err)
	assert.Equal(t, "abcdefghij", string(got))
}
