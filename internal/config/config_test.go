package config

import (
	"bytes"
	"testing"

	"github.com/granaryproject/granary/internal/testing/require"
)

func TestParseDefaults(t *testing.T) {
	var errOut bytes.Buffer
	c, err := Parse("granary", nil, &errOut)
	require.NoError(t, err)
	require.Nil(t, c.Tools)
	require.Equal(t, "*", c.AttachTo)
	require.True(t, c.GDBPrompt)
	require.Equal(t, "/dev/stdout", c.OutputLogFile)
	require.Equal(t, "/dev/stderr", c.DebugLogFile)
	require.Nil(t, c.Clients)
}

func TestParseToolsAndClientsSplitOnComma(t *testing.T) {
	var errOut bytes.Buffer
	c, err := Parse("granary", []string{
		"-tools=profiler,tracer",
		"-clients= libfoo.so , libbar.so ",
	}, &errOut)
	require.NoError(t, err)
	require.Equal(t, []string{"profiler", "tracer"}, c.Tools)
	require.Equal(t, []string{"libfoo.so", "libbar.so"}, c.Clients)
}

func TestParseGDBPromptDisable(t *testing.T) {
	var errOut bytes.Buffer
	c, err := Parse("granary", []string{"-gdb_prompt=false"}, &errOut)
	require.NoError(t, err)
	require.False(t, c.GDBPrompt)
}

func TestParseShowGDBPromptAliasesGDBPrompt(t *testing.T) {
	var errOut bytes.Buffer
	c, err := Parse("granary", []string{"-show_gdb_prompt=false"}, &errOut)
	require.NoError(t, err)
	require.False(t, c.GDBPrompt)
}

func TestParseCustomAttachToAndLogFiles(t *testing.T) {
	var errOut bytes.Buffer
	c, err := Parse("granary", []string{
		"-attach_to=libc.so",
		"-output_log_file=/tmp/out.log",
		"-debug_log_file=/tmp/debug.log",
	}, &errOut)
	require.NoError(t, err)
	require.Equal(t, "libc.so", c.AttachTo)
	require.Equal(t, "/tmp/out.log", c.OutputLogFile)
	require.Equal(t, "/tmp/debug.log", c.DebugLogFile)
}

func TestParseRejectsEmptyAttachTo(t *testing.T) {
	var errOut bytes.Buffer
	_, err := Parse("granary", []string{"-attach_to="}, &errOut)
	require.Error(t, err)
}

func TestParseUnknownFlagFails(t *testing.T) {
	var errOut bytes.Buffer
	_, err := Parse("granary", []string{"-nonexistent=1"}, &errOut)
	require.Error(t, err)
}
