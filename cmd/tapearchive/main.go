// Command tapearchive writes directory trees to tape as tar archives and
// reads back their digests and index records.
//
// Usage:
//
//	tapearchive write   [flags] SOURCE...
//	tapearchive verify  [flags] [DIGEST]
//	tapearchive index   [flags]
//	tapearchive info    [flags]
//	tapearchive rewind  [flags]
//	tapearchive eject   [flags]
//
// The target is a tape drive (--device /dev/nst0, tape0) or a file-backed
// image (--image path). Settings may also come from a YAML file given by
// --config; flags override the file.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
)

type command struct {
	name    string
	summary string
	new     func() subcommand
}

var commands = []command{
	{"write", "archive SOURCE directories to the device", func() subcommand { return &writeCommand{} }},
	{"verify", "re-read an archive and compare its digest", func() subcommand { return &verifyCommand{} }},
	{"index", "print the index record of an archive", func() subcommand { return &indexCommand{} }},
	{"info", "print drive and media parameters", func() subcommand { return simpleCommand(runInfo) }},
	{"rewind", "rewind the media", func() subcommand { return simpleCommand(runRewind) }},
	{"eject", "rewind and unload the media", func() subcommand { return simpleCommand(runEject) }},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:])
	stop()
	if err != nil {
		if !errors.Is(err, pflag.ErrHelp) {
			fmt.Fprintf(os.Stderr, "tapearchive: %v\n", err)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		printUsage()
		return nil
	}

	for _, cmd := range commands {
		if cmd.name != args[0] {
			continue
		}
		fs := pflag.NewFlagSet("tapearchive "+cmd.name, pflag.ContinueOnError)
		g := &globals{}
		g.register(fs)
		sub := cmd.new()
		sub.register(fs)
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		if err := g.load(fs); err != nil {
			return err
		}
		return sub.run(ctx, g, fs.Args())
	}

	printUsage()
	return fmt.Errorf("unknown command %q", args[0])
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: tapearchive <command> [flags] [args]")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "commands:")
	for _, cmd := range commands {
		fmt.Fprintf(os.Stderr, "  %-8s %s\n", cmd.name, cmd.summary)
	}
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "run 'tapearchive <command> --help' for flags")
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
