// Command wgtunnel brings a WireGuard tunnel up from a config file.
//
// Usage:
//
//	wgtunnel [options] up
//	wgtunnel [options] ping <target>
//	wgtunnel genkey
//	wgtunnel pubkey < private.key
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/apex/log"
	"github.com/pborman/getopt/v2"
)

var (
	startTime = time.Now()
)

// cmdConfig contains the command line options.
type cmdConfig struct {
	configPath  string
	backend     string
	metricsAddr string
	socksAddr   string
	doTrace     bool
	count       uint32
	timeout     uint32
	verbosity   uint16
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "valid commands: up, ping <target>, genkey, pubkey")
	getopt.Usage()
	os.Exit(0)
}

func main() {
	cfg := &cmdConfig{
		backend:   "kernel",
		count:     3,
		timeout:   60,
		verbosity: 4,
	}
	getopt.FlagLong(&cfg.configPath, "config", 'c', "Configuration file (wg-quick or YAML)")
	getopt.FlagLong(&cfg.backend, "backend", 'b', "Interface backend: kernel or netstack")
	getopt.FlagLong(&cfg.metricsAddr, "metrics", 'm', "Serve prometheus metrics on this address")
	getopt.FlagLong(&cfg.socksAddr, "socks", 's', "Serve a SOCKS5 proxy into the tunnel on this address (netstack)")
	getopt.FlagLong(&cfg.doTrace, "trace", 't', "Write a trace of the handshakes when exiting")
	getopt.FlagLong(&cfg.count, "count", 'n', "Stop after sending these many ECHO_REQUEST packets")
	getopt.FlagLong(&cfg.timeout, "timeout", 'w', "Seconds to wait for the tunnel to come up")
	getopt.FlagLong(&cfg.verbosity, "verbosity", 'v', "Verbosity level (1 to 5, 1 is lowest)")
	helpFlag := getopt.Bool('h', "Display help")

	getopt.Parse()
	args := getopt.Args()

	if *helpFlag || len(args) < 1 {
		printUsage()
	}

	log.SetHandler(&logHandler{Writer: os.Stderr})
	log.SetLevel(verbosityLevel(cfg.verbosity))

	var err error
	switch args[0] {
	case "genkey":
		err = genkey(os.Stdout)
	case "pubkey":
		err = pubkey(os.Stdin, os.Stdout)
	case "up":
		err = runUp(cfg)
	case "ping":
		if len(args) != 2 {
			printUsage()
		}
		err = runPing(cfg, args[1])
	default:
		printUsage()
	}
	if err != nil {
		log.WithError(err).Error(args[0])
		os.Exit(1)
	}
}

func verbosityLevel(v uint16) log.Level {
	switch v {
	case 1:
		return log.FatalLevel
	case 2:
		return log.ErrorLevel
	case 3:
		return log.WarnLevel
	case 4:
		return log.InfoLevel
	default:
		return log.DebugLevel
	}
}
