// Package config parses Granary's command-line options (spec.md §6): which
// tools to load, which modules to instrument, the GDB attach prompt, and the
// log file destinations. No cobra/pflag/viper appears anywhere in the
// example pack; the teacher's own cmd/wazero/wazero.go hand-rolls its CLI
// with the standard flag package (flag.NewFlagSet per subcommand,
// StringVar/BoolVar with help text, doMain(stdOut, stdErr) split out from
// main for testability), so Config follows that same shape rather than
// reaching for a third-party flags library no example ever imports.
package config

import (
	"flag"
	"fmt"
	"io"
	"strings"
)

// Config is the parsed, validated form of Granary's recognized options.
type Config struct {
	// Tools is the comma-separated -tools list, split into names.
	Tools []string

	// AttachTo is the -attach_to glob (or comma-separated list of globs)
	// naming which modules get instrumented. "*" instruments everything.
	AttachTo string

	// GDBPrompt makes startup print the process's PID so a debugger can
	// attach; startup does not block waiting for one.
	GDBPrompt bool

	// OutputLogFile and DebugLogFile name the destinations for Granary's two
	// log streams; spec.md §6 defaults both to the process's stdout/stderr.
	OutputLogFile string
	DebugLogFile  string

	// Clients is the comma-separated -clients list of shared libraries to
	// dynamically load, user-mode only.
	Clients []string
}

// defaultAttachTo is spec.md §6's instrument-everything default.
const defaultAttachTo = "*"

// defaultLogFile is the output log's default destination and
// defaultDebugLogFile the debug log's.
const (
	defaultLogFile      = "/dev/stdout"
	defaultDebugLogFile = "/dev/stderr"
)

// Parse builds a FlagSet named name, registers Granary's recognized options
// on it, parses args, and returns the resulting Config. Mirrors the
// teacher's per-subcommand flag.NewFlagSet(name, flag.ExitOnError) plus
// flags.SetOutput(stdErr) pattern; errOut receives usage text and parse
// errors the same way the teacher directs them at stdErr.
func Parse(name string, args []string, errOut io.Writer) (*Config, error) {
	flags := flag.NewFlagSet(name, flag.ContinueOnError)
	flags.SetOutput(errOut)

	var tools, clients string
	c := &Config{}

	flags.StringVar(&tools, "tools", "",
		"Comma-separated list of tool names to load.")
	flags.StringVar(&c.AttachTo, "attach_to", defaultAttachTo,
		"Modules to instrument. \"*\" instruments every loaded module.")
	flags.BoolVar(&c.GDBPrompt, "gdb_prompt", true,
		"Print the PID at startup so a debugger can attach.")
	flags.BoolVar(&c.GDBPrompt, "show_gdb_prompt", true,
		"Alias of -gdb_prompt.")
	flags.StringVar(&c.OutputLogFile, "output_log_file", defaultLogFile,
		"File Granary's output log is written to.")
	flags.StringVar(&c.DebugLogFile, "debug_log_file", defaultDebugLogFile,
		"File Granary's debug log is written to.")
	flags.StringVar(&clients, "clients", "",
		"Comma-separated list of shared libraries to dynamically load (user mode only).")

	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	c.Tools = splitList(tools)
	c.Clients = splitList(clients)

	if c.AttachTo == "" {
		return nil, fmt.Errorf("config: -attach_to must not be empty")
	}

	return c, nil
}

// splitList turns a comma-separated flag value into its component names,
// dropping empty entries so "" parses to nil rather than [""].
func splitList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Usage writes name's flag defaults to w, for a -h/--help path the way the
// teacher's printUsage/printCompileUsage helpers do.
func Usage(name string, w io.Writer) {
	flags := flag.NewFlagSet(name, flag.ContinueOnError)
	flags.SetOutput(w)
	// Re-registering here (rather than sharing Parse's FlagSet) keeps Usage
	// callable without having parsed anything yet.
	var discard string
	var discardBool bool
	flags.StringVar(&discard, "tools", "", "Comma-separated list of tool names to load.")
	flags.StringVar(&discard, "attach_to", defaultAttachTo, "Modules to instrument.")
	flags.BoolVar(&discardBool, "gdb_prompt", true, "Print the PID at startup.")
	flags.StringVar(&discard, "output_log_file", defaultLogFile, "File Granary's output log is written to.")
	flags.StringVar(&discard, "debug_log_file", defaultDebugLogFile, "File Granary's debug log is written to.")
	flags.StringVar(&discard, "clients", "", "Comma-separated list of shared libraries to dynamically load.")
	flags.Usage()
}
