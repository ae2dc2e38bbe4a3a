package module

import (
	"testing"

	"github.com/granaryproject/granary/internal/testing/require"
)

func TestManifestRegisterAndFindByName(t *testing.T) {
	mf := NewManifest()
	mod := New(KindProgram, "a.out")

	require.NoError(t, mf.Register(mod))

	found, ok := mf.FindByName("a.out")
	require.True(t, ok)
	require.Equal(t, mod, found)

	_, ok = mf.FindByName("missing")
	require.False(t, ok)
}

func TestManifestRegisterDuplicateNameFails(t *testing.T) {
	mf := NewManifest()
	require.NoError(t, mf.Register(New(KindProgram, "a.out")))
	require.Error(t, mf.Register(New(KindDynamic, "a.out")))
}

func TestManifestFindByPC(t *testing.T) {
	mf := NewManifest()
	prog := New(KindProgram, "a.out")
	prog.AddRange(0x1000, 0x2000, 0, PermExecute)
	lib := New(KindSharedLibrary, "libc.so")
	lib.AddRange(0x5000, 0x6000, 0, PermExecute)

	require.NoError(t, mf.Register(prog))
	require.NoError(t, mf.Register(lib))

	found, ok := mf.FindByPC(0x1500)
	require.True(t, ok)
	require.Equal(t, "a.out", found.Name())

	found, ok = mf.FindByPC(0x5500)
	require.True(t, ok)
	require.Equal(t, "libc.so", found.Name())

	_, ok = mf.FindByPC(0x9000)
	require.False(t, ok)
}

func TestManifestModulesReturnsDefensiveCopy(t *testing.T) {
	mf := NewManifest()
	require.NoError(t, mf.Register(New(KindProgram, "a.out")))

	mods := mf.Modules()
	mods[0] = nil

	require.NotNil(t, mf.Modules()[0])
}
