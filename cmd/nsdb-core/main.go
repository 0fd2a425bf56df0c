// Command nsdb-core is a thin driver over the core: it parses flags, loads
// configuration, starts the root Engine, and exposes a line-oriented REPL
// over the SQL dialect for local exercising of the system. It is explicitly
// not a network-facing server.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jessevdk/go-flags"
	"go.uber.org/zap"

	"github.com/artur-rashitov/NSDb/internal/config"
	"github.com/artur-rashitov/NSDb/internal/coordinator"
	"github.com/artur-rashitov/NSDb/internal/engine"
	"github.com/artur-rashitov/NSDb/internal/nsdberr"
	"github.com/artur-rashitov/NSDb/internal/nsql"
)

// Exit codes per §6: 0 success, 1 config error, 2 I/O error during
// startup, 64 internal error.
const (
	exitOK       = 0
	exitConfig   = 1
	exitIO       = 2
	exitInternal = 64
)

type options struct {
	ConfigFile string `long:"config" description:"YAML configuration file" value-name:"path"`
	DataDir    string `long:"data-dir" description:"On-disk directory for index snapshots" value-name:"dir" default:"./data"`
	Database   string `long:"database" description:"Database name" value-name:"name" default:"default"`
	Namespace  string `long:"namespace" description:"Namespace name" value-name:"name" default:"default"`
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	var opts options
	parser := flags.NewParser(&opts, flags.Default)
	parser.Usage = "[options]"
	if _, err := parser.ParseArgs(args); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			return exitOK
		}
		fmt.Fprintln(os.Stderr, err)
		return exitConfig
	}

	cfg, err := config.Load(opts.ConfigFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		return exitConfig
	}

	log, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger error:", err)
		return exitInternal
	}
	defer log.Sync()

	e := engine.New(opts.Database, opts.Namespace, opts.DataDir, cfg, engine.WithLogger(log))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := e.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "startup error:", err)
		return exitIO
	}
	defer e.Shutdown()

	repl(ctx, e)
	return exitOK
}

// repl reads statements line by line from stdin, one per line, until EOF or
// ctx is canceled.
func repl(ctx context.Context, e *engine.Engine) {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Fprint(os.Stdout, "nsdb> ")
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			fmt.Fprint(os.Stdout, "nsdb> ")
			continue
		}
		if line == "exit" || line == "quit" {
			return
		}

		stmt, err := nsql.Parse(line)
		if err != nil {
			printErr(err)
			fmt.Fprint(os.Stdout, "nsdb> ")
			continue
		}

		res, err := e.Execute(ctx, stmt)
		if err != nil {
			printErr(err)
		} else if res != nil {
			printResult(res)
		} else {
			fmt.Fprintln(os.Stdout, "OK")
		}
		fmt.Fprint(os.Stdout, "nsdb> ")
	}
}

func printErr(err error) {
	if e, ok := err.(*nsdberr.Error); ok {
		fmt.Fprintf(os.Stderr, "%s: %s\n", e.Kind, e.Message)
		return
	}
	fmt.Fprintln(os.Stderr, err)
}

func printResult(res *coordinator.Result) {
	for _, row := range res.Rows {
		fmt.Fprintln(os.Stdout, formatRow(row))
	}
	fmt.Fprintf(os.Stdout, "(%d rows)\n", len(res.Rows))
}

func formatRow(row coordinator.Row) string {
	var b strings.Builder
	first := true
	for name, v := range row.Fields {
		if !first {
			b.WriteString(", ")
		}
		first = false
		fmt.Fprintf(&b, "%s=%s", name, v.String())
	}
	return b.String()
}
