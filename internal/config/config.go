// Package config parses and validates the command-line flags defined by
// spec.md §6, using pflag for POSIX-style short/long flag parsing.
package config

import (
	"fmt"

	"github.com/spf13/pflag"
)

// Config holds the validated flags for either mode. Mode is Sender when
// RemoteHost was supplied (presence of -s selects sender mode, exactly
// as spec.md §6 specifies).
type Config struct {
	Mode       Mode
	LocalPort  int
	MTU        int
	Window     int
	File       string
	RemoteHost string
	RemotePort int

	MetricsAddr string
}

// Mode is which side of the protocol this process runs.
type Mode int

const (
	ModeReceiver Mode = iota
	ModeSender
)

// Parse parses args (excluding the program name) and validates the
// result per spec.md §6. On any missing required flag it returns an
// error whose message is suitable for printing to stderr alongside
// fs.Usage(); it never calls os.Exit itself so callers can test it.
func Parse(args []string) (*Config, *pflag.FlagSet, error) {
	fs := pflag.NewFlagSet("ruftp", pflag.ContinueOnError)

	port := fs.IntP("port", "p", 0, "local UDP port")
	mtu := fs.IntP("mtu", "m", 0, "maximum payload bytes per datagram")
	window := fs.IntP("window", "c", 0, "send window, in packets")
	file := fs.StringP("file", "f", "", "input file (sender) or output file (receiver)")
	remoteHost := fs.StringP("remote-host", "s", "", "remote host (sender mode only; presence selects sender mode)")
	remotePort := fs.IntP("remote-port", "a", 0, "remote UDP port (sender mode only)")
	metricsAddr := fs.String("metrics-addr", "", "optional host:port to serve Prometheus metrics on")

	if err := fs.Parse(args); err != nil {
		return nil, fs, err
	}

	cfg := &Config{
		LocalPort:   *port,
		MTU:         *mtu,
		Window:      *window,
		File:        *file,
		RemoteHost:  *remoteHost,
		RemotePort:  *remotePort,
		MetricsAddr: *metricsAddr,
	}
	if cfg.RemoteHost != "" {
		cfg.Mode = ModeSender
	}

	var missing []string
	if cfg.LocalPort == 0 {
		missing = append(missing, "-p")
	}
	if cfg.MTU == 0 {
		missing = append(missing, "-m")
	}
	if cfg.Window == 0 {
		missing = append(missing, "-c")
	}
	if cfg.File == "" {
		missing = append(missing, "-f")
	}
	if cfg.Mode == ModeSender && cfg.RemotePort == 0 {
		missing = append(missing, "-a")
	}
	if len(missing) > 0 {
		return nil, fs, fmt.Errorf("missing required flag(s): %v", missing)
	}

	return cfg, fs, nil
}
