package main

import (
	"flag"
	"time"
)

// Options holds CLI options for the node.
type Options struct {
	ConfigPath string
	NodeID     string
	// EmitEvery is the attendance broadcast period; zero disables it.
	EmitEvery time.Duration
}

// ParseFlags parses CLI flags from args and returns Options.
func ParseFlags(args []string) (Options, error) {
	fs := flag.NewFlagSet("meshcounter-node", flag.ContinueOnError)
	var opts Options
	fs.StringVar(&opts.ConfigPath, "config", "", "Path to YAML config file")
	fs.StringVar(&opts.NodeID, "node-id", "", "Device id (overrides node.device_id)")
	fs.DurationVar(&opts.EmitEvery, "emit-every", 15*time.Second, "Attendance broadcast period, 0 to disable")
	if err := fs.Parse(args); err != nil {
		return Options{}, err
	}
	return opts, nil
}
