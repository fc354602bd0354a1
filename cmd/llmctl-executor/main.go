package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/llmctl/llmctl/internal/executor/run"
)

func main() {
	opts := &run.Options{
		Stdin:      os.Stdin,
		StdinIsTTY: stdinIsTTY(),
		Stdout:     os.Stdout,
	}

	args := os.Args[1:]
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--payload-file":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--payload-file requires a path")
				os.Exit(1)
			}
			opts.PayloadFile = args[i]
		case "--payload-json":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--payload-json requires a JSON value")
				os.Exit(1)
			}
			opts.PayloadJSON = args[i]
		case "-h", "--help":
			usage()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "unknown argument %q\n", args[i])
			usage()
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	os.Exit(run.Main(ctx, opts))
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  llmctl-executor [--payload-file <path>] [--payload-json <json>]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Payload sources, in precedence: --payload-file, --payload-json,")
	fmt.Fprintln(os.Stderr, "LLMCTL_EXECUTOR_PAYLOAD_FILE, LLMCTL_EXECUTOR_PAYLOAD_JSON, stdin.")
}

func stdinIsTTY() bool {
	info, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
