// Command loxvm is the REPL and file runner for the bytecode VM.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/mattn/go-isatty"

	"github.com/estevaofon/loxvm/internal/chunk"
	"github.com/estevaofon/loxvm/internal/compiler"
	"github.com/estevaofon/loxvm/internal/vmachine"
)

const version = "v1.0.0"

// Exit codes follow sysexits.org, same convention the teacher uses:
// a usage error is 64, a compile error is 65, a runtime error is 70.
const (
	exitOK      = 0
	exitUsage   = 64
	exitCompile = 65
	exitRuntime = 70
)

func main() {
	showDisassembly := flag.Bool("disassemble", false, "Print bytecode disassembly before running")
	showVersion := flag.Bool("version", false, "Show version information")
	showHelp := flag.Bool("help", false, "Show help message")
	trace := flag.Bool("trace", false, "Print a live execution trace (stack + instruction) while running")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: loxvm [options] [file]\n\nOptions:\n")
		flag.VisitAll(func(f *flag.Flag) {
			fmt.Fprintf(os.Stderr, "  --%s\n\t%s\n", f.Name, f.Usage)
		})
	}
	flag.Parse()

	if *showHelp {
		flag.Usage()
		os.Exit(exitOK)
	}
	if *showVersion {
		fmt.Printf("loxvm %s\n", version)
		os.Exit(exitOK)
	}

	args := flag.Args()
	if len(args) > 1 {
		flag.Usage()
		os.Exit(exitUsage)
	}
	if len(args) < 1 {
		startREPL(*showDisassembly, *trace)
		return
	}

	content, err := os.ReadFile(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading file: %s\n", err)
		os.Exit(exitUsage)
	}

	os.Exit(runSource(args[0], string(content), *showDisassembly, *trace))
}

// runSource compiles and runs source under a fresh VM, optionally
// dumping its disassembly first. It returns the process exit code.
func runSource(name, source string, showDisassembly, trace bool) int {
	if showDisassembly {
		fn, errs := compiler.Compile(source)
		if len(errs) > 0 {
			return exitCompile
		}
		fn.Chunk.(*chunk.Chunk).DisassembleAll(name)
	}

	vm := vmachine.NewWithConfig(vmachine.Config{Trace: trace})
	err := vm.Interpret(source)
	return exitCodeFor(err)
}

func exitCodeFor(err error) int {
	if err == nil {
		return exitOK
	}
	if ierr, ok := err.(*vmachine.InterpretError); ok {
		if ierr.Kind == vmachine.CompileErrorKind {
			return exitCompile
		}
		return exitRuntime
	}
	return exitRuntime
}

// startREPL reads lines from stdin, accumulating them into one
// compile unit per Enter press, and shares one VM (and its globals)
// across the whole session. The prompt is suppressed when stdin isn't
// a terminal, so piped input behaves like a script.
func startREPL(showDisassembly, trace bool) {
	fmt.Printf("loxvm %s\n", version)
	fmt.Println("Type 'exit' to quit.")

	interactive := isatty.IsTerminal(os.Stdin.Fd()) || isatty.IsCygwinTerminal(os.Stdin.Fd())
	vm := vmachine.NewWithConfig(vmachine.Config{Trace: trace})
	scanner := bufio.NewScanner(os.Stdin)

	for {
		if interactive {
			fmt.Print(">>> ")
		}

		if !scanner.Scan() {
			break
		}
		line := scanner.Text()
		if strings.TrimSpace(line) == "exit" {
			break
		}
		if strings.TrimSpace(line) == "" {
			continue
		}

		if showDisassembly {
			if fn, errs := compiler.Compile(line); len(errs) == 0 {
				fn.Chunk.(*chunk.Chunk).DisassembleAll("repl")
			}
		}

		_ = vm.Interpret(line)
	}
}
