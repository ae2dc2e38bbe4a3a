// Package require is a thin wrapper around testify, grounded on the
// teacher's internal/testing/require package: its call sites
// (require.Equal, require.NoError, require.Error, ...) are used throughout
// the pack's tests, though the teacher's own implementation file did not
// survive retrieval. This reconstructs the same surface.
package require

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestingT is satisfied by *testing.T and *testing.B.
type TestingT = require.TestingT

// Equal fails the test immediately if expected != actual.
func Equal(t TestingT, expected, actual interface{}, msgAndArgs ...interface{}) {
	require.Equal(t, expected, actual, msgAndArgs...)
}

// NotEqual fails the test immediately if expected == actual.
func NotEqual(t TestingT, expected, actual interface{}, msgAndArgs ...interface{}) {
	require.NotEqual(t, expected, actual, msgAndArgs...)
}

// True fails the test immediately if value is false.
func True(t TestingT, value bool, msgAndArgs ...interface{}) {
	require.True(t, value, msgAndArgs...)
}

// False fails the test immediately if value is true.
func False(t TestingT, value bool, msgAndArgs ...interface{}) {
	require.False(t, value, msgAndArgs...)
}

// NoError fails the test immediately if err != nil.
func NoError(t TestingT, err error, msgAndArgs ...interface{}) {
	require.NoError(t, err, msgAndArgs...)
}

// Error fails the test immediately if err == nil.
func Error(t TestingT, err error, msgAndArgs ...interface{}) {
	require.Error(t, err, msgAndArgs...)
}

// EqualError fails the test immediately unless err's message equals msg.
func EqualError(t TestingT, err error, msg string, msgAndArgs ...interface{}) {
	require.EqualError(t, err, msg, msgAndArgs...)
}

// Nil fails the test immediately unless value is nil.
func Nil(t TestingT, value interface{}, msgAndArgs ...interface{}) {
	require.Nil(t, value, msgAndArgs...)
}

// NotNil fails the test immediately if value is nil.
func NotNil(t TestingT, value interface{}, msgAndArgs ...interface{}) {
	require.NotNil(t, value, msgAndArgs...)
}

// Len fails the test immediately unless the collection has the given length.
func Len(t TestingT, value interface{}, length int, msgAndArgs ...interface{}) {
	require.Len(t, value, length, msgAndArgs...)
}

// Contains fails the test immediately unless s contains contains.
func Contains(t TestingT, s, contains interface{}, msgAndArgs ...interface{}) {
	require.Contains(t, s, contains, msgAndArgs...)
}

// CapturePanic runs fn and returns the recovered panic value, or nil if fn
// did not panic.
func CapturePanic(fn func()) (captured interface{}) {
	defer func() {
		captured = recover()
	}()
	fn()
	return
}

// AssertEqual is the non-fatal (t.Error, not t.Fatal) counterpart to Equal.
func AssertEqual(t *testing.T, expected, actual interface{}, msgAndArgs ...interface{}) {
	assert.Equal(t, expected, actual, msgAndArgs...)
}
