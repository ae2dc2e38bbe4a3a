package logging

import (
	"bytes"
	"testing"

	"github.com/granaryproject/granary/internal/testing/require"
)

func TestNewLoggerWritesToWriter(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, nil)
	l.Info("hello", "k", "v")
	require.Contains(t, buf.String(), "hello")
	require.Contains(t, buf.String(), "k=v")
}

func TestLoggerMirrorsIntoRingBuffer(t *testing.T) {
	var buf bytes.Buffer
	rb := NewRingBuffer(4)
	l := New(&buf, rb)

	l.Debug("one")
	l.Warn("two")

	require.Equal(t, []string{"one", "two"}, rb.Dump())
}

func TestRingBufferWrapsAtCapacity(t *testing.T) {
	rb := NewRingBuffer(3)
	rb.Append("a")
	rb.Append("b")
	rb.Append("c")
	rb.Append("d")

	require.Equal(t, []string{"b", "c", "d"}, rb.Dump())
}

func TestRingBufferBeforeFull(t *testing.T) {
	rb := NewRingBuffer(5)
	rb.Append("x")
	rb.Append("y")

	require.Equal(t, []string{"x", "y"}, rb.Dump())
}

func TestNewRingBufferClampsNonPositiveCapacity(t *testing.T) {
	rb := NewRingBuffer(0)
	rb.Append("a")
	rb.Append("b")

	require.Equal(t, []string{"b"}, rb.Dump())
}
