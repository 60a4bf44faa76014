package dynamixel

import (
	"fmt"
	"sync"

	"github.com/OSUrobotics/dynamixel-control/protocol"
)

// Calibration holds a device's raw bounds. Shift is only applied when a
// goal update asks for it.
type Calibration struct {
	Min    int
	Center int
	Max    int
	Shift  int
}

// Clamp limits raw to [Min, Max].
func (c Calibration) Clamp(raw int) int {
	return min(max(raw, c.Min), c.Max)
}

// ActuatorConfig is the per-device setup input.
type ActuatorConfig struct {
	ID          int
	Model       Model
	Calibration Calibration

	// Registers overrides entries of the model's register map, e.g. for a
	// firmware revision that moved a field.
	Registers map[Field]Register
}

// Profile is one device's identity, register map, calibration and last
// known state. State changes go through the Registry.
type Profile struct {
	id        int
	model     Model
	registers map[Field]Register
	cal       Calibration

	goal           int
	lastPosition   int
	lastTorque     int
	lastPositionOK bool
	lastTorqueOK   bool
}

// NewProfile validates cfg and builds a profile whose goal starts at the
// calibration center.
func NewProfile(cfg ActuatorConfig) (*Profile, error) {
	spec, err := Spec(cfg.Model)
	if err != nil {
		return nil, err
	}

	if cfg.ID < 0 || cfg.ID > protocol.MaxDeviceID {
		return nil, &ConfigError{Field: "id", Reason: fmt.Sprintf("%d outside 0-%d", cfg.ID, protocol.MaxDeviceID)}
	}

	cal := cfg.Calibration
	if cal.Min > cal.Center || cal.Center > cal.Max {
		return nil, &ConfigError{
			Field:  "calibration",
			Reason: fmt.Sprintf("device %d: want min <= center <= max, got [%d, %d, %d]", cfg.ID, cal.Min, cal.Center, cal.Max),
		}
	}

	registers := make(map[Field]Register, len(spec.Registers)+len(cfg.Registers))
	for f, r := range spec.Registers {
		registers[f] = r
	}
	for f, r := range cfg.Registers {
		if r.Width <= 0 || int(r.Address)+r.Width > int(spec.ControlTableSize) {
			return nil, &ConfigError{
				Field:  "register map",
				Reason: fmt.Sprintf("device %d field %q: address %d width %d outside %s control table", cfg.ID, f, r.Address, r.Width, spec.Name),
			}
		}
		registers[f] = r
	}

	return &Profile{
		id:        cfg.ID,
		model:     cfg.Model,
		registers: registers,
		cal:       cal,
		goal:      cal.Center,
	}, nil
}

// ID returns the device ID.
func (p *Profile) ID() int {
	return p.id
}

// Model returns the device model.
func (p *Profile) Model() Model {
	return p.model
}

// Calibration returns the device calibration.
func (p *Profile) Calibration() Calibration {
	return p.cal
}

// Register returns the register backing field.
func (p *Profile) Register(field Field) (Register, bool) {
	r, ok := p.registers[field]
	return r, ok
}

// Registry owns the device profiles. Registration order is the order of
// entries in every bulk transaction.
type Registry struct {
	mu       sync.RWMutex
	order    []int
	index    map[int]int
	profiles map[int]*Profile
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		index:    make(map[int]int),
		profiles: make(map[int]*Profile),
	}
}

// Register adds a profile at the end of the transaction order.
func (r *Registry) Register(p *Profile) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.profiles[p.id]; exists {
		return &DuplicateIDError{ID: p.id}
	}

	r.index[p.id] = len(r.order)
	r.order = append(r.order, p.id)
	r.profiles[p.id] = p
	return nil
}

// Len returns the number of registered devices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// IDs returns device IDs in registration order.
func (r *Registry) IDs() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]int(nil), r.order...)
}

// Index returns the registration position of id.
func (r *Registry) Index(id int) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.index[id]
	return i, ok
}

// IDAt returns the device registered at position i.
func (r *Registry) IDAt(i int) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if i < 0 || i >= len(r.order) {
		return 0, false
	}
	return r.order[i], true
}

// Profile returns the profile for id.
func (r *Registry) Profile(id int) (*Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[id]
	return p, ok
}

// ForEachOrdered calls fn for every profile in registration order and stops
// at the first error. It iterates over a snapshot, so fn may call back into
// the registry.
func (r *Registry) ForEachOrdered(fn func(*Profile) error) error {
	r.mu.RLock()
	snapshot := make([]*Profile, len(r.order))
	for i, id := range r.order {
		snapshot[i] = r.profiles[id]
	}
	r.mu.RUnlock()

	for _, p := range snapshot {
		if err := fn(p); err != nil {
			return err
		}
	}
	return nil
}

// UpdateGoal sets a raw goal position. The calibration shift is added only
// when useShift is set, and the result is always clamped into the
// calibration bounds. The only error is an unregistered id.
func (r *Registry) UpdateGoal(id int, raw int, useShift bool) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.profiles[id]
	if !ok {
		return 0, unknownDevice(id)
	}

	if useShift {
		raw += p.cal.Shift
	}
	p.goal = p.cal.Clamp(raw)
	return p.goal, nil
}

// UpdateGoalRadians sets the goal to center plus the converted angle.
func (r *Registry) UpdateGoalRadians(id int, radians float64, useShift bool) (int, error) {
	p, ok := r.Profile(id)
	if !ok {
		return 0, unknownDevice(id)
	}

	offset, err := ToRaw(p.model, radians)
	if err != nil {
		return 0, err
	}
	return r.UpdateGoal(id, p.cal.Center+offset, useShift)
}

// Goal returns the current raw goal for id.
func (r *Registry) Goal(id int) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[id]
	if !ok {
		return 0, false
	}
	return p.goal, true
}

// RecordPosition stores a raw present position read from the bus.
func (r *Registry) RecordPosition(id int, raw int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.profiles[id]
	if !ok {
		return unknownDevice(id)
	}
	p.lastPosition = raw
	p.lastPositionOK = true
	return nil
}

// RecordTorque stores a raw present torque read from the bus.
func (r *Registry) RecordTorque(id int, raw int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.profiles[id]
	if !ok {
		return unknownDevice(id)
	}
	p.lastTorque = raw
	p.lastTorqueOK = true
	return nil
}

// LastPosition returns the last recorded raw position, if any.
func (r *Registry) LastPosition(id int) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[id]
	if !ok || !p.lastPositionOK {
		return 0, false
	}
	return p.lastPosition, true
}

// LastPositionRadians returns the last recorded position relative to the
// calibration center, in radians.
func (r *Registry) LastPositionRadians(id int) (float64, bool) {
	raw, ok := r.LastPosition(id)
	if !ok {
		return 0, false
	}
	p, _ := r.Profile(id)
	rad, err := ToRadians(p.model, raw-p.cal.Center)
	if err != nil {
		return 0, false
	}
	return rad, true
}

// LastTorque returns the last recorded raw torque, if any.
func (r *Registry) LastTorque(id int) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[id]
	if !ok || !p.lastTorqueOK {
		return 0, false
	}
	return p.lastTorque, true
}
