package context

import (
	"testing"

	"github.com/granaryproject/granary/internal/arch/amd64"
	"github.com/granaryproject/granary/internal/testing/require"
)

func TestOutlineSaveListSkipsArgumentRegisters(t *testing.T) {
	zero := outlineSaveList(0)
	require.Equal(t, []uint8{0, 1, 2, 6, 7, 8, 9, 10, 11}, zero)

	six := outlineSaveList(6)
	require.Equal(t, []uint8{0, 10, 11}, six)

	two := outlineSaveList(2)
	require.Equal(t, []uint8{0, 1, 2, 8, 9, 10, 11}, two)
}

func TestBuildOutlineWrapperShape(t *testing.T) {
	wrapper := BuildOutlineWrapper(0x6000, 2, false, amd64.Reg{})

	require.Equal(t, amd64.CategoryPushFlags, wrapper[0].Category)
	require.Equal(t, amd64.CategoryPopFlags, wrapper[len(wrapper)-2].Category)
	require.Equal(t, amd64.CategoryReturn, wrapper[len(wrapper)-1].Category)

	var sawCall bool
	for _, in := range wrapper {
		if in.Category == amd64.CategoryCall {
			sawCall = true
		}
	}
	require.True(t, sawCall)
}

func TestBuildOutlineWrapperMoreArgsMeansFewerSaves(t *testing.T) {
	zeroArgs := BuildOutlineWrapper(0x6000, 0, false, amd64.Reg{})
	sixArgs := BuildOutlineWrapper(0x6000, 6, false, amd64.Reg{})

	require.True(t, len(zeroArgs) > len(sixArgs))
}

func TestBuildOutlineWrapperKernelModeAddsCliAndStackSwap(t *testing.T) {
	slot := amd64.GPR(13, 8, false)
	user := BuildOutlineWrapper(0x6000, 1, false, slot)
	kernel := BuildOutlineWrapper(0x6000, 1, true, slot)

	require.True(t, len(kernel) > len(user))
}
