package dynamixel

import (
	"fmt"
	"strings"
)

// Model selects a register map and unit conversion constants.
type Model int

// Supported actuator models.
const (
	ModelXL320 Model = iota + 1
	ModelXL330
)

func (m Model) String() string {
	if spec, ok := modelSpecs[m]; ok {
		return spec.Name
	}
	return fmt.Sprintf("Model(%d)", int(m))
}

// Field is a logical register name, independent of model.
type Field string

// Logical fields every supported model maps.
const (
	FieldTorqueEnable    Field = "torque_enable"
	FieldLED             Field = "led"
	FieldDGain           Field = "d_gain"
	FieldIGain           Field = "i_gain"
	FieldPGain           Field = "p_gain"
	FieldGoalPosition    Field = "goal_position"
	FieldVelocityCap     Field = "velocity_cap"
	FieldPresentPosition Field = "present_position"
	FieldPresentTorque   Field = "present_torque"
)

// Register represents a control table entry.
type Register struct {
	Address  uint16
	Width    int // 1, 2 or 4 bytes
	Signed   bool
	ReadOnly bool
	// SignBit indicates which bit is the sign bit for sign-magnitude encoding.
	// 0 means no sign-magnitude encoding (two's complement or unsigned).
	SignBit int
}

// ModelSpec holds the fixed per-model tables.
type ModelSpec struct {
	Name   string
	Number int // Model number returned by ping

	// Conversion constants: CountsPerScale raw counts span DegreesPerScale degrees.
	DegreesPerScale float64
	CountsPerScale  float64
	MaxPosition     int

	// ControlTableSize bounds valid register addresses.
	ControlTableSize uint16

	Registers map[Field]Register
}

var modelSpecs = map[Model]*ModelSpec{
	ModelXL320: {
		Name:             "XL-320",
		Number:           350,
		DegreesPerScale:  300,
		CountsPerScale:   1023,
		MaxPosition:      1023,
		ControlTableSize: 53,
		Registers: map[Field]Register{
			FieldTorqueEnable:    {Address: 24, Width: 1},
			FieldLED:             {Address: 25, Width: 1},
			FieldDGain:           {Address: 27, Width: 1},
			FieldIGain:           {Address: 28, Width: 1},
			FieldPGain:           {Address: 29, Width: 1},
			FieldGoalPosition:    {Address: 30, Width: 2},
			FieldVelocityCap:     {Address: 32, Width: 2},
			FieldPresentPosition: {Address: 37, Width: 2, ReadOnly: true},
			FieldPresentTorque:   {Address: 41, Width: 2, ReadOnly: true, SignBit: 10},
		},
	},
	ModelXL330: {
		Name:             "XL-330",
		Number:           1200,
		DegreesPerScale:  90,
		CountsPerScale:   1025,
		MaxPosition:      4095,
		ControlTableSize: 228,
		Registers: map[Field]Register{
			FieldTorqueEnable:    {Address: 64, Width: 1},
			FieldLED:             {Address: 65, Width: 1},
			FieldDGain:           {Address: 80, Width: 2},
			FieldIGain:           {Address: 82, Width: 2},
			FieldPGain:           {Address: 84, Width: 2},
			FieldGoalPosition:    {Address: 116, Width: 4, Signed: true},
			FieldVelocityCap:     {Address: 112, Width: 4},
			FieldPresentPosition: {Address: 132, Width: 4, Signed: true, ReadOnly: true},
			FieldPresentTorque:   {Address: 126, Width: 2, Signed: true, ReadOnly: true},
		},
	},
}

// Spec returns the fixed tables for a model.
func Spec(m Model) (*ModelSpec, error) {
	spec, ok := modelSpecs[m]
	if !ok {
		return nil, &ConfigError{Field: "model", Reason: fmt.Sprintf("unknown model %d", int(m))}
	}
	return spec, nil
}

// ParseModel resolves a model name such as "XL-330" (case and dash insensitive).
func ParseModel(name string) (Model, error) {
	norm := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(name), "-", ""))
	for m, spec := range modelSpecs {
		if strings.ReplaceAll(spec.Name, "-", "") == norm {
			return m, nil
		}
	}
	return 0, &ConfigError{Field: "model", Reason: fmt.Sprintf("unknown model %q", name)}
}

// ModelByNumber returns the model matching a hardware model number.
func ModelByNumber(number int) (Model, bool) {
	for m, spec := range modelSpecs {
		if spec.Number == number {
			return m, true
		}
	}
	return 0, false
}

// Models returns every supported model.
func Models() []Model {
	return []Model{ModelXL320, ModelXL330}
}
