// set-address is a one-off tool to assign a bus address to a battery monitor.
// Use it on a freshly powered device (unassigned, answering at address 0) or
// to move a device to a different address.
//
// Build (to dist/):
//   One-off command: mkdir -p dist && go build -o dist/set-address ./cmd/set-address
//
// Usage:
//   go run ./cmd/set-address -to=1
//   go run ./cmd/set-address -port=/dev/ttyUSB0 -reset -to=1
//   dist/set-address -port=COM3 -baud=612500 -to=2
//
// Port defaults to BQ76_PORT (environment or .env.local).

package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"bq76-utils/src/server/bq76"
	"bq76-utils/src/server/util"
)

type options struct {
	port    string
	baud    int
	timeout time.Duration
	to      bq76.Address
	reset   bool
	retries int
}

func parseFlags(fs *flag.FlagSet, args []string) (options, error) {
	var opts options
	var toFlag string
	fs.StringVar(&opts.port, "port", util.Lookup("BQ76_PORT", ""), "Serial port (default $BQ76_PORT)")
	fs.IntVar(&opts.baud, "baud", bq76.DefaultBaudRate, "Baud rate")
	fs.DurationVar(&opts.timeout, "timeout", bq76.DefaultReadTimeout, "Response timeout per transaction")
	fs.StringVar(&toFlag, "to", "", "Address to assign (0-62, decimal or 0x hex)")
	fs.BoolVar(&opts.reset, "reset", false, "Reset the device before assigning the address")
	fs.IntVar(&opts.retries, "retries", 0, "Retries on CRC or write verify mismatch")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}

	if opts.port == "" {
		return opts, fmt.Errorf("no serial port: pass -port or set BQ76_PORT")
	}
	to, err := parseAddress(toFlag)
	if err != nil {
		return opts, fmt.Errorf("to: %w", err)
	}
	opts.to = to
	return opts, nil
}

func main() {
	opts, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatal(err)
	}
	to := opts.to

	link, err := bq76.OpenSerial(opts.port, bq76.WithBaudRate(opts.baud), bq76.WithReadTimeout(opts.timeout))
	if err != nil {
		log.Fatalf("open %s: %v", opts.port, err)
	}
	session := bq76.NewSession(link, bq76.WithRetries(opts.retries))
	defer session.Close()

	dev, err := session.Scan()
	if err != nil {
		log.Fatalf("scan %s: %v", opts.port, err)
	}
	log.Printf("found device at %d (assigned=%v)", dev.Address, dev.Assigned)

	if opts.reset {
		if err := session.Reset(dev.Address); err != nil {
			log.Fatalf("reset: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
		if dev, err = session.Scan(); err != nil {
			log.Fatalf("scan after reset: %v", err)
		}
		log.Printf("after reset: device at %d (assigned=%v)", dev.Address, dev.Assigned)
	}

	if err := session.SetID(dev.Address, to); err != nil {
		log.Fatalf("set address %d -> %d: %v", dev.Address, to, err)
	}

	confirmed, err := session.Scan()
	if err != nil {
		log.Fatalf("scan after assignment: %v", err)
	}
	if confirmed.Address != to || !confirmed.Assigned {
		log.Fatalf("device answered at %d (assigned=%v), expected %d", confirmed.Address, confirmed.Assigned, to)
	}
	fmt.Printf("Done. Device on %s now answers at address %d.\n", opts.port, to)
}

func parseAddress(s string) (bq76.Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("address is required")
	}
	n, err := strconv.ParseUint(s, 0, 8)
	if err != nil || !bq76.Address(n).Valid() {
		return 0, fmt.Errorf("invalid address %q (want 0-%d)", s, bq76.MaxAddress)
	}
	return bq76.Address(n), nil
}
