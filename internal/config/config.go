// Package config loads rig descriptions and trajectory files.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"sigs.k8s.io/yaml"

	"github.com/OSUrobotics/dynamixel-control/dynamixel"
)

// Duration is a time.Duration written as a string such as "100ms".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"100ms\": %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Bus describes the serial connection.
type Bus struct {
	Port     string   `json:"port"`
	BaudRate int      `json:"baudRate,omitempty"`
	Timeout  Duration `json:"timeout,omitempty"`
}

// RegisterOverride replaces one entry of a model's register map.
type RegisterOverride struct {
	Address  uint16 `json:"address"`
	Width    int    `json:"width"`
	Signed   bool   `json:"signed,omitempty"`
	ReadOnly bool   `json:"readOnly,omitempty"`
	SignBit  int    `json:"signBit,omitempty"`
}

// Actuator describes one device. Calibration is [min, center, max] in raw
// counts.
type Actuator struct {
	ID          int                         `json:"id"`
	Model       string                      `json:"model"`
	Calibration []int                       `json:"calibration"`
	Shift       int                         `json:"shift,omitempty"`
	Registers   map[string]RegisterOverride `json:"registers,omitempty"`
}

// Rig is the top-level configuration file.
type Rig struct {
	Bus       Bus        `json:"bus"`
	Actuators []Actuator `json:"actuators"`
}

// Load reads and validates a rig file.
func Load(filename string) (*Rig, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML or JSON rig description.
func Parse(data []byte) (*Rig, error) {
	var rig Rig
	if err := yaml.UnmarshalStrict(data, &rig); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := rig.Validate(); err != nil {
		return nil, err
	}
	return &rig, nil
}

// Save writes rig as YAML.
func Save(filename string, rig *Rig) error {
	data, err := yaml.Marshal(rig)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks every actuator and rejects duplicate IDs.
func (r *Rig) Validate() error {
	if len(r.Actuators) == 0 {
		return &dynamixel.ConfigError{Field: "actuators", Reason: "at least one actuator is required"}
	}

	seen := make(map[int]bool, len(r.Actuators))
	for i := range r.Actuators {
		a := &r.Actuators[i]
		if _, err := a.ActuatorConfig(); err != nil {
			return fmt.Errorf("actuator %d: %w", i, err)
		}
		if seen[a.ID] {
			return fmt.Errorf("actuator %d: %w", i, &dynamixel.DuplicateIDError{ID: a.ID})
		}
		seen[a.ID] = true
	}
	return nil
}

// ActuatorConfig converts a and validates it against its model.
func (a *Actuator) ActuatorConfig() (dynamixel.ActuatorConfig, error) {
	model, err := dynamixel.ParseModel(a.Model)
	if err != nil {
		return dynamixel.ActuatorConfig{}, err
	}
	if len(a.Calibration) != 3 {
		return dynamixel.ActuatorConfig{}, &dynamixel.ConfigError{
			Field:  "calibration",
			Reason: fmt.Sprintf("device %d: want [min, center, max], got %d values", a.ID, len(a.Calibration)),
		}
	}

	cfg := dynamixel.ActuatorConfig{
		ID:    a.ID,
		Model: model,
		Calibration: dynamixel.Calibration{
			Min:    a.Calibration[0],
			Center: a.Calibration[1],
			Max:    a.Calibration[2],
			Shift:  a.Shift,
		},
	}
	if len(a.Registers) > 0 {
		cfg.Registers = make(map[dynamixel.Field]dynamixel.Register, len(a.Registers))
		for name, o := range a.Registers {
			cfg.Registers[dynamixel.Field(name)] = dynamixel.Register{
				Address:  o.Address,
				Width:    o.Width,
				Signed:   o.Signed,
				ReadOnly: o.ReadOnly,
				SignBit:  o.SignBit,
			}
		}
	}

	// NewProfile owns the range and register checks.
	if _, err := dynamixel.NewProfile(cfg); err != nil {
		return dynamixel.ActuatorConfig{}, err
	}
	return cfg, nil
}

// NewRegistry builds a registry with the actuators in file order.
func (r *Rig) NewRegistry() (*dynamixel.Registry, error) {
	reg := dynamixel.NewRegistry()
	for _, a := range r.Actuators {
		cfg, err := a.ActuatorConfig()
		if err != nil {
			return nil, err
		}
		p, err := dynamixel.NewProfile(cfg)
		if err != nil {
			return nil, err
		}
		if err := reg.Register(p); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// SessionConfig returns the session settings for the bus section.
func (r *Rig) SessionConfig(logger logr.Logger) dynamixel.SessionConfig {
	return dynamixel.SessionConfig{
		Port:     r.Bus.Port,
		BaudRate: r.Bus.BaudRate,
		Timeout:  r.Bus.Timeout.Duration,
		Logger:   logger,
	}
}

const jointPrefix = "joint_"

// LoadTrajectory reads a YAML or JSON list of steps, each mapping
// "joint_<k>" to radians. Joint k drives the k-th registered device.
func LoadTrajectory(filename string) ([]dynamixel.Step, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read trajectory file: %w", err)
	}
	return ParseTrajectory(data)
}

// ParseTrajectory decodes trajectory data; see LoadTrajectory.
func ParseTrajectory(data []byte) ([]dynamixel.Step, error) {
	var raw []map[string]float64
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse trajectory: %w", err)
	}

	steps := make([]dynamixel.Step, len(raw))
	for i, m := range raw {
		step := make(dynamixel.Step, len(m))
		for name, rad := range m {
			k, err := jointIndex(name)
			if err != nil {
				return nil, fmt.Errorf("step %d: %w", i, err)
			}
			step[k] = rad
		}
		steps[i] = step
	}
	return steps, nil
}

func jointIndex(name string) (int, error) {
	num, ok := strings.CutPrefix(name, jointPrefix)
	if !ok {
		return 0, fmt.Errorf("unknown key %q, want %s<n>", name, jointPrefix)
	}
	k, err := strconv.Atoi(num)
	if err != nil || k < 1 {
		return 0, fmt.Errorf("invalid joint number in %q", name)
	}
	return k - 1, nil
}
