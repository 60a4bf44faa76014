package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/OSUrobotics/dynamixel-control/internal/config"
	"github.com/OSUrobotics/dynamixel-control/internal/logging"
)

const (
	DefaultMetricsPort = 9090
	DefaultSpeed       = 100
	DefaultStepDelay   = 10 * time.Millisecond
	DefaultSettle      = time.Second
)

// Options contains the command-line configuration for dxlctl.
type Options struct {
	//
	// Rig.
	//
	ConfigFile string // Path to the rig YAML file.
	Port       string // Overrides bus.port from the rig file.
	BaudRate   int    // Overrides bus.baudRate from the rig file.
	ListPorts  bool   // Print the available serial ports and exit.
	//
	// Motion.
	//
	Speed         int           // Velocity cap written to every device.
	PGain         int           // Position P gain.
	IGain         int           // Position I gain.
	DGain         int           // Position D gain.
	Trajectory    string        // Trajectory file to replay after centering.
	StepDelay     time.Duration // Wait between trajectory steps.
	Settle        time.Duration // Wait at center and at the first step before replay.
	SkipAlternate bool          // Send only every other trajectory step.
	Retries       int           // Goal write retries after a communication error.
	RebootWait    time.Duration // Wait after rebooting devices during recovery.
	//
	// Diagnostics.
	//
	LogVerbosity int  // Number for the log level verbosity.
	Development  bool // Human-readable console logs.
	MetricsPort  int  // Port for the Prometheus endpoint, 0 disables it.

	// Rig is loaded by Complete.
	Rig *config.Rig
}

// NewOptions returns a new Options struct initialized with default values.
func NewOptions() *Options {
	return &Options{
		Speed:        DefaultSpeed,
		PGain:        1000,
		IGain:        400,
		DGain:        2000,
		StepDelay:    DefaultStepDelay,
		Settle:       DefaultSettle,
		Retries:      2,
		RebootWait:   time.Second,
		LogVerbosity: logging.DEFAULT,
		MetricsPort:  DefaultMetricsPort,
	}
}

// AddFlags binds the Options fields to command-line flags on the given FlagSet.
func (opts *Options) AddFlags(fs *pflag.FlagSet) {
	if fs == nil {
		fs = pflag.CommandLine
	}

	fs.StringVarP(&opts.ConfigFile, "config", "c", opts.ConfigFile,
		"Path to the rig configuration file.")
	fs.StringVar(&opts.Port, "port", opts.Port,
		"Serial port, overrides bus.port in the rig file.")
	fs.IntVar(&opts.BaudRate, "baud-rate", opts.BaudRate,
		"Baud rate, overrides bus.baudRate in the rig file.")
	fs.BoolVar(&opts.ListPorts, "list-ports", opts.ListPorts,
		"Print the available serial ports and exit.")
	fs.IntVar(&opts.Speed, "speed", opts.Speed,
		"Velocity cap written to every device.")
	fs.IntVar(&opts.PGain, "p-gain", opts.PGain, "Position P gain.")
	fs.IntVar(&opts.IGain, "i-gain", opts.IGain, "Position I gain.")
	fs.IntVar(&opts.DGain, "d-gain", opts.DGain, "Position D gain.")
	fs.StringVar(&opts.Trajectory, "trajectory", opts.Trajectory,
		"Trajectory file (YAML or JSON list of joint_<n> maps) to replay.")
	fs.DurationVar(&opts.StepDelay, "step-delay", opts.StepDelay,
		"Wait between trajectory steps.")
	fs.DurationVar(&opts.Settle, "settle", opts.Settle,
		"Wait at center and again at the first trajectory step before replay.")
	fs.BoolVar(&opts.SkipAlternate, "skip-alternate", opts.SkipAlternate,
		"Send only every other trajectory step.")
	fs.IntVar(&opts.Retries, "retries", opts.Retries,
		"Goal write retries after a communication error.")
	fs.DurationVar(&opts.RebootWait, "reboot-wait", opts.RebootWait,
		"Wait after rebooting devices before re-enabling torque.")
	fs.IntVarP(&opts.LogVerbosity, "v", "v", opts.LogVerbosity,
		"Number for the log level verbosity.")
	fs.BoolVar(&opts.Development, "dev", opts.Development,
		"Use human-readable console logs.")
	fs.IntVar(&opts.MetricsPort, "metrics-port", opts.MetricsPort,
		"Port for the Prometheus metrics endpoint, 0 disables it.")
}

// Complete loads the rig file and applies flag overrides.
func (opts *Options) Complete() error {
	if opts.ConfigFile == "" {
		return errors.New("missing required flag --config")
	}
	rig, err := config.Load(opts.ConfigFile)
	if err != nil {
		return err
	}
	if opts.Port != "" {
		rig.Bus.Port = opts.Port
	}
	if opts.BaudRate != 0 {
		rig.Bus.BaudRate = opts.BaudRate
	}
	opts.Rig = rig
	return nil
}

// Validate checks the Options for invalid or conflicting values.
func (opts *Options) Validate() error {
	if opts.Rig == nil {
		return errors.New("options not completed")
	}
	if opts.Rig.Bus.Port == "" {
		return fmt.Errorf("no serial port: set bus.port in %s or pass --port", opts.ConfigFile)
	}
	if opts.MetricsPort < 0 || opts.MetricsPort > 65535 {
		return fmt.Errorf("invalid value %d for flag %q: must be between 0 and 65535", opts.MetricsPort, "metrics-port")
	}
	for _, c := range []struct {
		name  string
		value int
	}{
		{"speed", opts.Speed},
		{"p-gain", opts.PGain},
		{"i-gain", opts.IGain},
		{"d-gain", opts.DGain},
		{"retries", opts.Retries},
		{"baud-rate", opts.BaudRate},
	} {
		if c.value < 0 {
			return fmt.Errorf("invalid value %d for flag %q: must be >= 0", c.value, c.name)
		}
	}
	if opts.StepDelay < 0 {
		return fmt.Errorf("invalid value %s for flag %q: must be >= 0", opts.StepDelay, "step-delay")
	}
	if opts.Settle < 0 {
		return fmt.Errorf("invalid value %s for flag %q: must be >= 0", opts.Settle, "settle")
	}
	if opts.LogVerbosity < 0 {
		return fmt.Errorf("invalid value %d for flag %q: must be >= 0", opts.LogVerbosity, "v")
	}
	return nil
}
