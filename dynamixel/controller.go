package dynamixel

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/OSUrobotics/dynamixel-control/internal/logging"
	"github.com/OSUrobotics/dynamixel-control/metrics"
)

// ControllerConfig tunes a Controller.
type ControllerConfig struct {
	// Retries is how many times SendGoal resends a transaction after a
	// communication failure.
	Retries int

	// RebootWait is the pause between rebooting devices and re-enabling
	// torque during Recover. Default is 1s.
	RebootWait time.Duration

	// UseShift applies each device's calibration shift in GoToCenter and
	// GoToPositions.
	UseShift bool

	Logger logr.Logger
}

// Controller runs whole-rig operations over a registry and a session. It
// may be used from several goroutines: each transaction is assembled and
// sent under one lock shared with its Player.
type Controller struct {
	registry *Registry
	builder  *Builder
	session  *Session
	player   *Player
	cycle    *sync.Mutex

	retries    int
	rebootWait time.Duration
	useShift   bool
	logger     logr.Logger
}

// NewController creates a controller. The registry should be fully
// populated before the first operation.
func NewController(registry *Registry, session *Session, cfg ControllerConfig) *Controller {
	if cfg.RebootWait == 0 {
		cfg.RebootWait = time.Second
	}
	if cfg.Logger.GetSink() == nil {
		cfg.Logger = logr.Discard()
	}

	builder := NewBuilder(registry)
	player := NewPlayer(registry, builder, session, cfg.Logger)
	return &Controller{
		registry:   registry,
		builder:    builder,
		session:    session,
		player:     player,
		cycle:      player.cycle,
		retries:    max(cfg.Retries, 0),
		rebootWait: cfg.RebootWait,
		useShift:   cfg.UseShift,
		logger:     cfg.Logger.WithName("controller"),
	}
}

// Registry returns the device registry.
func (c *Controller) Registry() *Registry {
	return c.registry
}

// Player returns a trajectory player sharing this controller's session.
func (c *Controller) Player() *Player {
	return c.player
}

// SetSpeed writes the velocity cap of every device.
func (c *Controller) SetSpeed(ctx context.Context, speed int) error {
	return c.writeAll(ctx, FieldVelocityCap, func(*Profile) int { return speed })
}

// EnableTorque switches torque on one device.
func (c *Controller) EnableTorque(ctx context.Context, id int, on bool) error {
	c.cycle.Lock()
	defer c.cycle.Unlock()

	if err := c.builder.AddWrite(id, FieldTorqueEnable, boolToInt(on)); err != nil {
		return err
	}
	return c.execute(ctx, c.builder.BuildWrite())
}

// EnableAll switches torque on every device in one transaction.
func (c *Controller) EnableAll(ctx context.Context, on bool) error {
	return c.writeAll(ctx, FieldTorqueEnable, func(*Profile) int { return boolToInt(on) })
}

// UpdatePID writes the position gains of every device, one transaction per
// gain in P, I, D order.
func (c *Controller) UpdatePID(ctx context.Context, p, i, d int) error {
	gains := []struct {
		field Field
		value int
	}{
		{FieldPGain, p},
		{FieldIGain, i},
		{FieldDGain, d},
	}
	for _, g := range gains {
		if err := c.writeAll(ctx, g.field, func(*Profile) int { return g.value }); err != nil {
			return fmt.Errorf("update %s: %w", g.field, err)
		}
	}
	return nil
}

// SendGoal writes the stored goal of every device. On a communication
// failure the same transaction is resent up to Retries times; goals are
// never recomputed between attempts.
func (c *Controller) SendGoal(ctx context.Context) error {
	c.cycle.Lock()
	defer c.cycle.Unlock()

	tx, err := c.player.goalTransaction()
	if err != nil {
		return err
	}

	for attempt := 0; ; attempt++ {
		res, err := c.session.ExecuteWrite(ctx, tx)
		if err == nil {
			return joinFailed(res.Failed)
		}
		if !IsCommError(err) || attempt >= c.retries {
			return err
		}
		c.logger.V(logging.VERBOSE).Info("Retrying goal write", "attempt", attempt+1, "err", err)
	}
}

// GoToCenter moves every device to its calibration center.
func (c *Controller) GoToCenter(ctx context.Context) error {
	err := c.registry.ForEachOrdered(func(p *Profile) error {
		_, err := c.registry.UpdateGoal(p.ID(), p.Calibration().Center, c.useShift)
		return err
	})
	if err != nil {
		return err
	}
	return c.SendGoal(ctx)
}

// GoToPositions moves every device to the given angles, in registration
// order, relative to each calibration center.
func (c *Controller) GoToPositions(ctx context.Context, radians []float64) error {
	ids := c.registry.IDs()
	if len(radians) != len(ids) {
		return fmt.Errorf("got %d positions for %d devices", len(radians), len(ids))
	}
	for i, id := range ids {
		if _, err := c.registry.UpdateGoalRadians(id, radians[i], c.useShift); err != nil {
			return err
		}
	}
	return c.SendGoal(ctx)
}

// GoToInitial centers every device, waits settle, moves to step and waits
// settle again, so that a replay starting at step begins from rest.
func (c *Controller) GoToInitial(ctx context.Context, step Step, settle time.Duration) error {
	if err := c.GoToCenter(ctx); err != nil {
		return fmt.Errorf("go to center: %w", err)
	}
	if err := sleep(ctx, settle); err != nil {
		return err
	}

	res, _, err := c.player.PlayStep(ctx, step, false)
	if err != nil {
		return fmt.Errorf("go to first step: %w", err)
	}
	if err := joinFailed(res.Failed); err != nil {
		return err
	}
	return sleep(ctx, settle)
}

// ReadPositions reads the present position of every device and returns the
// angles from center in registration order. Devices that did not answer
// are NaN and reported in the returned error.
func (c *Controller) ReadPositions(ctx context.Context) ([]float64, error) {
	values, readErr := c.readAll(ctx, FieldPresentPosition)
	if readErr != nil && !isDegraded(readErr) {
		return nil, readErr
	}

	ids := c.registry.IDs()
	out := make([]float64, len(ids))
	for i, id := range ids {
		out[i] = math.NaN()
		raw, ok := values[id]
		if !ok {
			continue
		}
		if err := c.registry.RecordPosition(id, raw); err != nil {
			return nil, err
		}
		if rad, ok := c.registry.LastPositionRadians(id); ok {
			out[i] = rad
		}
	}
	return out, readErr
}

// ReadPositionTorque reads positions and torques with two bulk reads.
// Torques of devices that did not answer are zero.
func (c *Controller) ReadPositionTorque(ctx context.Context) ([]float64, []int, error) {
	positions, posErr := c.ReadPositions(ctx)
	if posErr != nil && !isDegraded(posErr) {
		return nil, nil, posErr
	}

	values, torqueErr := c.readAll(ctx, FieldPresentTorque)
	if torqueErr != nil && !isDegraded(torqueErr) {
		return nil, nil, torqueErr
	}

	ids := c.registry.IDs()
	torques := make([]int, len(ids))
	for i, id := range ids {
		raw, ok := values[id]
		if !ok {
			continue
		}
		if err := c.registry.RecordTorque(id, raw); err != nil {
			return nil, nil, err
		}
		torques[i] = raw
	}
	return positions, torques, errors.Join(posErr, torqueErr)
}

// Setup checks each device's model, enables torque on every device and
// primes the telemetry reads. Devices missing from the ping or the priming
// read are logged; only a model mismatch or a bus failure stops setup.
func (c *Controller) Setup(ctx context.Context) error {
	if err := c.verifyModels(ctx); err != nil {
		return err
	}
	if err := c.EnableAll(ctx, true); err != nil {
		return fmt.Errorf("enable torque: %w", err)
	}

	_, _, err := c.ReadPositionTorque(ctx)
	switch {
	case err == nil:
	case isDegraded(err):
		c.logger.Error(err, "Initial read incomplete")
	default:
		return fmt.Errorf("initial read: %w", err)
	}

	c.logger.V(logging.DEFAULT).Info("Devices ready", "count", c.registry.Len())
	return nil
}

func (c *Controller) verifyModels(ctx context.Context) error {
	return c.registry.ForEachOrdered(func(p *Profile) error {
		number, err := c.session.Ping(ctx, p.ID())
		if err != nil {
			if isDegraded(err) {
				c.logger.Error(err, "Ping failed, skipping model check", "device", p.ID())
				return nil
			}
			return fmt.Errorf("ping device %d: %w", p.ID(), err)
		}

		model, ok := ModelByNumber(number)
		if !ok || model != p.Model() {
			return &ConfigError{
				Field:  "model",
				Reason: fmt.Sprintf("device %d is configured as %s but reports model number %d", p.ID(), p.Model(), number),
			}
		}
		c.logger.V(logging.VERBOSE).Info("Found device", "device", p.ID(), "model", model)
		return nil
	})
}

// Recover reboots every device, waits for them to come back and enables
// torque again. Reboot failures do not stop the sequence.
func (c *Controller) Recover(ctx context.Context) error {
	metrics.RecordRecovery()
	c.logger.Info("Rebooting devices", "count", c.registry.Len())

	var errs []error
	for _, id := range c.registry.IDs() {
		if err := c.session.Reboot(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}

	if err := sleep(ctx, c.rebootWait); err != nil {
		return errors.Join(append(errs, err)...)
	}

	if err := c.EnableAll(ctx, true); err != nil {
		errs = append(errs, fmt.Errorf("enable torque: %w", err))
	}
	return errors.Join(errs...)
}

// Shutdown disables torque and closes the session.
func (c *Controller) Shutdown(ctx context.Context) error {
	torqueErr := c.EnableAll(ctx, false)
	return errors.Join(torqueErr, c.session.Close())
}

func (c *Controller) writeAll(ctx context.Context, field Field, value func(*Profile) int) error {
	c.cycle.Lock()
	defer c.cycle.Unlock()

	err := c.registry.ForEachOrdered(func(p *Profile) error {
		return c.builder.AddWrite(p.ID(), field, value(p))
	})
	if err != nil {
		c.builder.Clear()
		return err
	}
	return c.execute(ctx, c.builder.BuildWrite())
}

func (c *Controller) execute(ctx context.Context, tx WriteTransaction) error {
	res, err := c.session.ExecuteWrite(ctx, tx)
	if err != nil {
		return err
	}
	return joinFailed(res.Failed)
}

// readAll reads field from every device and decodes the answers. A degraded
// read returns the decoded values together with the per-device errors.
func (c *Controller) readAll(ctx context.Context, field Field) (map[int]int, error) {
	c.cycle.Lock()
	defer c.cycle.Unlock()

	err := c.registry.ForEachOrdered(func(p *Profile) error {
		return c.builder.AddRead(p.ID(), field)
	})
	if err != nil {
		c.builder.Clear()
		return nil, err
	}

	res, readErr := c.session.ExecuteRead(ctx, c.builder.BuildRead())
	if readErr != nil && !res.Degraded() {
		return nil, readErr
	}

	values := make(map[int]int, len(res.Data))
	for id, data := range res.Data {
		p, _ := c.registry.Profile(id)
		reg, _ := p.Register(field)
		v, err := DecodeValue(field, reg, data)
		if err != nil {
			readErr = errors.Join(readErr, &DeviceError{ID: id, Op: metrics.KindRead, Err: err})
			continue
		}
		values[id] = v
	}
	return values, readErr
}

// isDegraded reports whether err only carries per-device failures.
func isDegraded(err error) bool {
	_, isDevice := GetDeviceError(err)
	return IsMissingDevice(err) || isDevice
}

func joinFailed(failed []*DeviceError) error {
	if len(failed) == 0 {
		return nil
	}
	errs := make([]error, len(failed))
	for i, f := range failed {
		errs[i] = f
	}
	return errors.Join(errs...)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
