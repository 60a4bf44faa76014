package dynamixel

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/OSUrobotics/dynamixel-control/internal/logging"
	"github.com/OSUrobotics/dynamixel-control/metrics"
)

// Step maps a registration index to a target angle in radians relative to
// the device's calibration center.
type Step map[int]float64

// PlayOptions tunes Play.
type PlayOptions struct {
	// SkipAlternate drops every odd-indexed step.
	SkipAlternate bool

	// OnStep, if set, is called after each step that was sent.
	OnStep func(index int, res WriteResult)
}

// PlayResult summarizes a playback run.
type PlayResult struct {
	Sent    int
	Skipped int
	Failed  []*DeviceError
}

// Player sends trajectories as one goal-position transaction per step.
type Player struct {
	registry *Registry
	builder  *Builder
	session  *Session
	logger   logr.Logger

	// cycle is held from the first AddWrite until the transaction is on the
	// bus. Everything sharing builder must share cycle.
	cycle *sync.Mutex
}

// NewPlayer creates a player over an existing registry, builder and session.
func NewPlayer(registry *Registry, builder *Builder, session *Session, logger logr.Logger) *Player {
	if logger.GetSink() == nil {
		logger = logr.Discard()
	}
	return &Player{
		registry: registry,
		builder:  builder,
		session:  session,
		logger:   logger.WithName("player"),
		cycle:    &sync.Mutex{},
	}
}

// PlayStep updates the goals named in step and writes the goal position of
// every registered device in one transaction. With skip set nothing is sent
// and the returned bool is false.
func (p *Player) PlayStep(ctx context.Context, step Step, skip bool) (WriteResult, bool, error) {
	if skip {
		metrics.RecordTrajectoryStep(metrics.StepSkipped)
		return WriteResult{}, false, nil
	}

	indices := make([]int, 0, len(step))
	for i := range step {
		if _, ok := p.registry.IDAt(i); !ok {
			return WriteResult{}, false, fmt.Errorf("%w: no device at index %d", ErrUnknownDevice, i)
		}
		indices = append(indices, i)
	}
	slices.Sort(indices)

	p.cycle.Lock()
	defer p.cycle.Unlock()

	for _, i := range indices {
		id, _ := p.registry.IDAt(i)
		if _, err := p.registry.UpdateGoalRadians(id, step[i], false); err != nil {
			return WriteResult{}, false, err
		}
	}

	tx, err := p.goalTransaction()
	if err != nil {
		return WriteResult{}, false, err
	}

	res, err := p.session.ExecuteWrite(ctx, tx)
	if err != nil {
		metrics.RecordTrajectoryStep(metrics.StepFailed)
		return res, false, err
	}
	metrics.RecordTrajectoryStep(metrics.StepSent)
	return res, true, nil
}

// Play sends steps in order, waiting stepDelay after each sent step. The
// context is checked before every step; once it is done playback stops and
// goals already sent stay in effect.
func (p *Player) Play(ctx context.Context, steps []Step, stepDelay time.Duration, opts PlayOptions) (PlayResult, error) {
	var result PlayResult

	for i, step := range steps {
		if err := ctx.Err(); err != nil {
			p.logger.V(logging.VERBOSE).Info("Playback cancelled", "step", i, "sent", result.Sent)
			return result, err
		}

		skip := opts.SkipAlternate && i%2 == 1
		res, sent, err := p.PlayStep(ctx, step, skip)
		result.Failed = append(result.Failed, res.Failed...)
		if err != nil {
			p.logger.Error(err, "Trajectory step failed", "step", i)
			return result, err
		}
		if !sent {
			result.Skipped++
			p.logger.V(logging.TRACE).Info("Skipped step", "step", i)
			continue
		}

		result.Sent++
		p.logger.V(logging.DEBUG).Info("Sent step", "step", i, "failed", len(res.Failed))
		if opts.OnStep != nil {
			opts.OnStep(i, res)
		}

		if stepDelay > 0 && i < len(steps)-1 {
			if err := sleep(ctx, stepDelay); err != nil {
				return result, err
			}
		}
	}

	return result, nil
}

// goalTransaction must be called with cycle held.
func (p *Player) goalTransaction() (WriteTransaction, error) {
	err := p.registry.ForEachOrdered(func(prof *Profile) error {
		goal, _ := p.registry.Goal(prof.ID())
		return p.builder.AddWrite(prof.ID(), FieldGoalPosition, goal)
	})
	if err != nil {
		p.builder.Clear()
		return WriteTransaction{}, err
	}
	return p.builder.BuildWrite(), nil
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
