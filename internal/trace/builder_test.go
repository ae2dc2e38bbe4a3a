package trace

import (
	"testing"

	"github.com/granaryproject/granary/internal/arch/amd64"
	"github.com/granaryproject/granary/internal/testing/require"
)

// fakeCode backs a TraceBuilder.Read with a flat byte buffer addressed
// from base.
func fakeCode(base uint64, code []byte) func(uint64) []byte {
	return func(pc uint64) []byte {
		if pc < base {
			return nil
		}
		off := pc - base
		if off >= uint64(len(code)) {
			return nil
		}
		return code[off:]
	}
}

func TestDecodeBlockReturn(t *testing.T) {
	// mov eax, 5; ret
	code := []byte{0xb8, 0x05, 0x00, 0x00, 0x00, 0xc3}
	tb := &TraceBuilder{Read: fakeCode(0x1000, code)}

	b, succ, err := tb.DecodeBlock(0x1000)
	require.NoError(t, err)
	require.Len(t, b.Instrs, 2)
	require.Equal(t, amd64.CategoryReturn, b.Instrs[1].Category)
	require.NotNil(t, succ)
	require.Equal(t, KindReturn, succ.Kind)
}

func TestDecodeBlockDirectSuccessor(t *testing.T) {
	// mov eax, 5; jmp +10
	code := []byte{0xb8, 0x05, 0x00, 0x00, 0x00, 0xe9, 0x0a, 0x00, 0x00, 0x00}
	tb := &TraceBuilder{Read: fakeCode(0x1000, code)}

	b, succ, err := tb.DecodeBlock(0x1000)
	require.NoError(t, err)
	require.Len(t, b.Instrs, 2)
	require.Equal(t, amd64.CategoryUncondJump, b.Instrs[1].Category)
	require.Equal(t, KindDirect, succ.Kind)
	// jmp is at 0x1005, 5 bytes long, next_pc 0x100a, +10 -> 0x1014.
	require.Equal(t, uint64(0x1014), succ.AppPC)
	require.Equal(t, StrategyLater, succ.strategy)
}

func TestDecodeBlockIndirectSuccessor(t *testing.T) {
	code := []byte{0xff, 0xe0} // jmp rax
	tb := &TraceBuilder{Read: fakeCode(0x2000, code)}

	b, succ, err := tb.DecodeBlock(0x2000)
	require.NoError(t, err)
	require.Len(t, b.Instrs, 1)
	require.Equal(t, KindIndirect, succ.Kind)
}

func TestDecodeBlockFallsOffEndOfRegion(t *testing.T) {
	code := []byte{0xb8, 0x05, 0x00, 0x00, 0x00} // mov eax, 5, nothing after
	tb := &TraceBuilder{Read: fakeCode(0x3000, code)}

	b, succ, err := tb.DecodeBlock(0x3000)
	require.NoError(t, err)
	require.Len(t, b.Instrs, 1)
	require.Equal(t, KindDirect, succ.Kind)
	require.Equal(t, uint64(0x3005), succ.AppPC)
}

func TestMangleHookAppliedPerInstruction(t *testing.T) {
	code := []byte{0xb8, 0x05, 0x00, 0x00, 0x00, 0xc3}
	calls := 0
	tb := &TraceBuilder{
		Read: fakeCode(0x1000, code),
		Mangle: func(in *amd64.Instruction) []*amd64.Instruction {
			calls++
			return []*amd64.Instruction{in, amd64.Nop()}
		},
	}
	b, _, err := tb.DecodeBlock(0x1000)
	require.NoError(t, err)
	require.Equal(t, 2, calls)
	require.Len(t, b.Instrs, 4) // each of the 2 real instructions plus an injected NOP
}

func TestBuildWiresEntryToReturn(t *testing.T) {
	code := []byte{0xb8, 0x05, 0x00, 0x00, 0x00, 0xc3}
	tb := &TraceBuilder{Read: fakeCode(0x1000, code)}

	lcfg, err := tb.Build(0x1000, &BlockFactory{})
	require.NoError(t, err)
	require.Len(t, lcfg.Blocks, 2)
	require.Equal(t, lcfg.Entry, lcfg.Blocks[0])
	require.Len(t, lcfg.Entry.Successors, 1)
	require.Equal(t, KindReturn, lcfg.Entry.Successors[0].To.Kind)
}

func TestBuildMaterializesDirectSuccessorNow(t *testing.T) {
	// Block 1 at 0x1000: mov eax,5; jmp +11 lands exactly at 0x1000+10+11=0x1015.
	code1 := []byte{0xb8, 0x05, 0x00, 0x00, 0x00, 0xe9, 0x0b, 0x00, 0x00, 0x00}
	// Block 2 at 0x1015: ret.
	code2 := []byte{0xc3}

	read := func(pc uint64) []byte {
		if pc >= 0x1015 {
			return fakeCode(0x1015, code2)(pc)
		}
		return fakeCode(0x1000, code1)(pc)
	}
	tb := &TraceBuilder{Read: read}
	factory := &BlockFactory{}

	// Build decodes the entry block, producing an unresolved KindDirect
	// successor; request eager materialization before handing the factory
	// to Build so its Materialize pass actually walks it.
	entryBlock, succ, err := tb.DecodeBlock(0x1000)
	require.NoError(t, err)
	require.Equal(t, KindDirect, succ.Kind)
	factory.RequestBlock(succ, StrategyNow)

	lcfg := &LCFG{Entry: entryBlock}
	lcfg.AddBlock(entryBlock)
	lcfg.AddBlock(succ)
	lcfg.Link(entryBlock, succ, terminalOf(entryBlock))

	factory.Decode = func(pc uint64) (*Block, error) {
		b, nextSucc, derr := tb.DecodeBlock(pc)
		if derr != nil {
			return nil, derr
		}
		if nextSucc != nil {
			lcfg.AddBlock(nextSucc)
			lcfg.Link(b, nextSucc, terminalOf(b))
		}
		return b, nil
	}
	require.NoError(t, factory.Materialize(lcfg))

	require.Equal(t, KindDecoded, succ.Kind)
	require.Len(t, succ.Instrs, 1)
	require.Equal(t, amd64.CategoryReturn, succ.Instrs[0].Category)
}
