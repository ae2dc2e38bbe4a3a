package main

import (
	"bytes"
	"testing"

	"github.com/granaryproject/granary/internal/config"
	"github.com/granaryproject/granary/internal/testing/require"
)

func TestDoMainGDBPromptDisabled(t *testing.T) {
	var stdOut, stdErr bytes.Buffer
	code := doMain([]string{"-gdb_prompt=false"}, &stdOut, &stdErr)
	require.Equal(t, 0, code)
	require.False(t, bytes.Contains(stdOut.Bytes(), []byte("waiting for debugger")))
}

func TestDoMainPrintsGDBPromptByDefault(t *testing.T) {
	var stdOut, stdErr bytes.Buffer
	code := doMain(nil, &stdOut, &stdErr)
	require.Equal(t, 0, code)
	require.True(t, bytes.Contains(stdOut.Bytes(), []byte("waiting for debugger")))
}

func TestDoMainRejectsUnknownFlag(t *testing.T) {
	var stdOut, stdErr bytes.Buffer
	code := doMain([]string{"-not_a_real_flag"}, &stdOut, &stdErr)
	require.Equal(t, 2, code)
}

func TestNewCoreBuildsTrampolinesAtDistinctAddresses(t *testing.T) {
	var stdErr bytes.Buffer
	cfg, err := config.Parse("granary", nil, &stdErr)
	require.NoError(t, err)

	core, err := newCore(cfg)
	require.NoError(t, err)
	require.NotNil(t, core.trans)
	require.NotNil(t, core.manifest)
	require.NotEqual(t, core.trans.DirectEdgeTrampoline, core.trans.DispatchTrampoline)
}
