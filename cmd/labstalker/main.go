// labstalker polls laboratory instruments into append-only sample stores
// and exports, queries and inspects what they recorded.
//
// Usage:
//
//	labstalker acquire -config acq.yaml
//	labstalker export  -in run.h5 -device dmm -out dmm.parquet
//	labstalker query   -parquet dmm.parquet [-device dmm] [-role scaled]
//	labstalker query   -parquet dmm.parquet -sql "SELECT ... FROM samples"
//	labstalker inspect -in run.h5
//	labstalker drivers
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"

	"github.com/xtxerr/labstalker/internal/errors"
	"github.com/xtxerr/labstalker/internal/logging"

	// Drivers register themselves with the device registry.
	_ "github.com/xtxerr/labstalker/internal/driver/dummy"
	_ "github.com/xtxerr/labstalker/internal/driver/i2cdev"
	_ "github.com/xtxerr/labstalker/internal/driver/serialdev"
	_ "github.com/xtxerr/labstalker/internal/driver/snmpdev"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1], os.Args[2:], os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "labstalker %s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd string, args []string, stdout io.Writer) error {
	switch cmd {
	case "acquire":
		return runAcquire(ctx, args, stdout)
	case "export":
		return runExport(args, stdout)
	case "query":
		return runQuery(ctx, args, stdout)
	case "inspect":
		return runInspect(args, stdout)
	case "drivers":
		return runDrivers(stdout)
	case "version":
		fmt.Fprintln(stdout, "labstalker", Version)
		return nil
	case "help", "-h", "-help", "--help":
		usage(stdout)
		return nil
	default:
		usage(os.Stderr)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func usage(w io.Writer) {
	fmt.Fprintf(w, `labstalker %s

Commands:
  acquire   poll the devices of an acquisition file into a store
  export    write one device of a binary store as Parquet
  query     summarize or query a Parquet export
  inspect   print the hierarchy of a binary store
  drivers   list the registered drivers
  version   print the version

Run "labstalker <command> -h" for the flags of a command.
`, Version)
}

// setupLogging initializes the global logger. Format "auto" selects JSON
// when stderr is not a terminal.
func setupLogging(level, format string) {
	jsonFormat := format == "json"
	if format == "" || format == "auto" {
		jsonFormat = !term.IsTerminal(int(os.Stderr.Fd()))
	}
	logging.Init(logging.ParseLevel(level), jsonFormat)
}
