// Command granary is Granary's top-level driver (spec.md §6): it parses
// the recognized options, builds the translation core's supporting
// services (metadata manager, code cache, module manifest, logging), and
// constructs a Translator ready to receive application addresses. Dynamic
// `.so`/process-attach loading is explicitly out of scope (spec.md §1), so
// this binary's job ends at standing the core up, not driving it from a
// live ptrace session — mirroring the teacher's own cmd/wazero/wazero.go
// split between argument handling (doMain) and the actual work.
package main

import (
	"fmt"
	"io"
	"os"

	"unsafe"

	"github.com/granaryproject/granary/internal/arch/amd64"
	"github.com/granaryproject/granary/internal/cache"
	"github.com/granaryproject/granary/internal/config"
	"github.com/granaryproject/granary/internal/logging"
	"github.com/granaryproject/granary/internal/metadata"
	"github.com/granaryproject/granary/internal/module"
	"github.com/granaryproject/granary/internal/platform"
	"github.com/granaryproject/granary/internal/translator"
)

func main() {
	os.Exit(doMain(os.Args[1:], os.Stdout, os.Stderr))
}

// doMain is separated out for the purpose of unit testing.
func doMain(args []string, stdOut, stdErr io.Writer) int {
	cfg, err := config.Parse("granary", args, stdErr)
	if err != nil {
		return 2
	}

	outLog, err := openLogFile(cfg.OutputLogFile, stdOut)
	if err != nil {
		fmt.Fprintf(stdErr, "granary: open output log: %v\n", err)
		return 1
	}
	debugLog, err := openLogFile(cfg.DebugLogFile, stdErr)
	if err != nil {
		fmt.Fprintf(stdErr, "granary: open debug log: %v\n", err)
		return 1
	}
	ring := logging.NewRingBuffer(256)
	out := logging.New(outLog, ring)
	dbg := logging.New(debugLog, ring)

	if cfg.GDBPrompt {
		fmt.Fprintf(stdOut, "granary: pid %d, waiting for debugger attach (disable with -gdb_prompt=false)\n", os.Getpid())
	}

	core, err := newCore(cfg)
	if err != nil {
		fmt.Fprintf(stdErr, "granary: %v\n", err)
		return 1
	}

	out.Info("granary core ready", "tools", cfg.Tools, "attach_to", cfg.AttachTo)
	dbg.Debug("module manifest initialized", "modules", len(core.manifest.Modules()))

	return 0
}

// granaryCore bundles the long-lived services a Translator needs, built
// once at process startup (spec.md §6): the metadata schema, the code
// cache, the module manifest new modules register into as they load, and
// the two shared trampolines every direct/indirect edge stub's fallback
// path targets.
type granaryCore struct {
	manager  *metadata.Manager
	cache    *cache.CodeCache
	manifest *module.Manifest
	trans    *translator.Translator
}

// codeArenaPages and edgeArenaPages size the initial code-cache and
// edge-stub arenas; spec.md leaves cache growth policy unspecified beyond
// "backed by mmap'd pages" (§4.8), so a fixed modest initial reservation
// matches the teacher's own preference for a simple, fixed-size default
// over a tunable the spec never asks for.
const (
	codeArenaPages = 256
	edgeArenaPages = 64
)

func newCore(cfg *config.Config) (*granaryCore, error) {
	m := metadata.NewManager()
	metadata.RegisterBuiltins(m)
	m.Finalize()

	blockPages, err := platform.AllocateCodePages(codeArenaPages)
	if err != nil {
		return nil, fmt.Errorf("allocate code cache arena: %w", err)
	}
	edgePages, err := platform.AllocateCodePages(edgeArenaPages)
	if err != nil {
		return nil, fmt.Errorf("allocate edge arena: %w", err)
	}
	c := cache.NewCodeCache(cache.NewArena(blockPages), cache.NewArena(edgePages), 12)

	directTrampoline, dispatchTrampoline, err := buildSharedTrampolines(c)
	if err != nil {
		return nil, fmt.Errorf("build shared trampolines: %w", err)
	}

	t, err := translator.New(c, m, directTrampoline, dispatchTrampoline)
	if err != nil {
		return nil, fmt.Errorf("construct translator: %w", err)
	}

	manifest := module.NewManifest()
	_ = cfg.AttachTo // attach-list glob matching happens as modules register; none are loaded by this binary itself.

	return &granaryCore{manager: m, cache: c, manifest: manifest, trans: t}, nil
}

// buildSharedTrampolines commits placeholder bodies for the two fixed
// trampolines every edge stub this process builds shares: direct_edge_entry
// (a direct edge's fallback path CALLs it to re-resolve its target) and
// go_to_granary (the address an indirect edge's out-edge chain initially
// points at, before any clone exists). Both genuinely need to call back
// into the translator itself once a target is resolved — the same
// save-everything/restore-everything shape internal/context's
// BuildContextCallback already gives a tool's instrumentation callback —
// but invoking a Go function from generated machine code needs a host
// calling bridge this exercise's scope does not build; a UD2 keeps the
// address space valid and marks the seam explicitly rather than hiding it
// behind a body that looks complete but never actually calls back.
func buildSharedTrampolines(c *cache.CodeCache) (directEdgePC, dispatchPC uint64, err error) {
	direct, err := commitTrampoline(c, []*amd64.Instruction{amd64.UD2()})
	if err != nil {
		return 0, 0, err
	}
	dispatch, err := commitTrampoline(c, []*amd64.Instruction{amd64.UD2()})
	if err != nil {
		return 0, 0, err
	}
	return direct, dispatch, nil
}

// commitTrampoline stages and commits a fixed instruction sequence into
// c's edge arena, returning its committed address.
func commitTrampoline(c *cache.CodeCache, instrs []*amd64.Instruction) (uint64, error) {
	var probe amd64.Encoder
	length, err := probe.Stage(instrs)
	if err != nil {
		return 0, err
	}
	region, err := c.CommitEdge(int(length), func(dst []byte) error {
		real := amd64.Encoder{BaseAddr: regionAddr(dst)}
		if _, err := real.Stage(instrs); err != nil {
			return err
		}
		return real.Commit(dst, instrs, false)
	})
	if err != nil {
		return 0, err
	}
	return regionAddr(region), nil
}

// regionAddr returns the real address backing a just-allocated cache
// region, the same &dst[0]-as-uint64 idiom internal/edge uses for its
// patched target fields.
func regionAddr(dst []byte) uint64 {
	if len(dst) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&dst[0])))
}

func openLogFile(path string, fallback io.Writer) (io.Writer, error) {
	if path == "" || path == "/dev/stdout" || path == "/dev/stderr" {
		return fallback, nil
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}
