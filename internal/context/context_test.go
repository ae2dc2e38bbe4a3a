package context

import (
	"testing"

	"github.com/granaryproject/granary/internal/arch/amd64"
	"github.com/granaryproject/granary/internal/testing/require"
)

func TestBuildContextCallbackPushesAllFifteenGPRs(t *testing.T) {
	instrs := BuildContextCallback(0x4000, false, amd64.Reg{})

	require.Equal(t, amd64.CategoryPushFlags, instrs[0].Category)

	var pushes, pops int
	for _, in := range instrs {
		if in.Category == amd64.CategoryPush {
			pushes++
		}
		if in.Category == amd64.CategoryPop {
			pops++
		}
	}
	require.Equal(t, len(contextPushOrder), pushes)
	require.Equal(t, len(contextPushOrder), pops)
	require.Equal(t, amd64.CategoryPopFlags, instrs[len(instrs)-2].Category)
	require.Equal(t, amd64.CategoryReturn, instrs[len(instrs)-1].Category)
}

func TestBuildContextCallbackKernelModeAddsCliAndStackSwap(t *testing.T) {
	slot := amd64.GPR(12, 8, false)
	user := BuildContextCallback(0x4000, false, slot)
	kernel := BuildContextCallback(0x4000, true, slot)

	require.True(t, len(kernel) > len(user))

	var sawCli bool
	for _, in := range kernel {
		if in.Category == amd64.CategoryInterruptFlag {
			sawCli = true
		}
	}
	require.True(t, sawCli)
}

func TestBuildContextCallbackLoadsFirstArgFromRSP(t *testing.T) {
	instrs := BuildContextCallback(0x4000, false, amd64.Reg{})

	var lea *amd64.Instruction
	for _, in := range instrs {
		if in.Category == amd64.CategoryLEA {
			lea = in
		}
	}
	require.NotNil(t, lea)
	require.Equal(t, amd64.CategoryCall, instrs[len(contextPushOrder)+2].Category)
}
