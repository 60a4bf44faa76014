package dynamixel

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OSUrobotics/dynamixel-control/protocol"
)

func newTestPlayer(t *testing.T, ft *fakeTransport, cfgs ...ActuatorConfig) (*Player, *Registry) {
	t.Helper()
	r := newTestRegistry(t, cfgs...)
	return NewPlayer(r, NewBuilder(r), newTestSession(t, ft), testr.New(t)), r
}

func TestPlayStep(t *testing.T) {
	ft := &fakeTransport{}
	p, r := newTestPlayer(t, ft, xl320(0), xl320(1), xl320(2))

	res, sent, err := p.PlayStep(context.Background(), Step{1: math.Pi / 2}, false)
	require.NoError(t, err)
	assert.True(t, sent)
	assert.Equal(t, []int{0, 1, 2}, res.Devices)

	goal, _ := r.Goal(1)
	assert.Equal(t, 818, goal)

	require.Len(t, ft.writes, 1)
	assert.Equal(t, []protocol.WriteParam{
		{ID: 0, Address: 30, Data: []byte{0xFF, 0x01}},
		{ID: 1, Address: 30, Data: []byte{0x32, 0x03}},
		{ID: 2, Address: 30, Data: []byte{0xFF, 0x01}},
	}, ft.writes[0])
}

func TestPlayStepSkip(t *testing.T) {
	ft := &fakeTransport{}
	p, r := newTestPlayer(t, ft, xl320(0))

	_, sent, err := p.PlayStep(context.Background(), Step{0: 1}, true)
	require.NoError(t, err)
	assert.False(t, sent)
	assert.Zero(t, ft.writeCount())

	goal, _ := r.Goal(0)
	assert.Equal(t, 511, goal, "skipped step leaves goals alone")
}

func TestPlayStepUnknownIndex(t *testing.T) {
	ft := &fakeTransport{}
	p, r := newTestPlayer(t, ft, xl320(0))

	_, _, err := p.PlayStep(context.Background(), Step{0: 1, 4: 1}, false)
	assert.ErrorIs(t, err, ErrUnknownDevice)
	assert.Zero(t, ft.writeCount())

	goal, _ := r.Goal(0)
	assert.Equal(t, 511, goal)
}

func TestPlayCancelAfterFirstStep(t *testing.T) {
	ft := &fakeTransport{}
	p, _ := newTestPlayer(t, ft, xl320(0), xl320(1))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	steps := []Step{{0: 0.1}, {0: 0.2}, {0: 0.3}}
	res, err := p.Play(ctx, steps, 0, PlayOptions{
		OnStep: func(int, WriteResult) { cancel() },
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, 1, ft.writeCount())
}

func TestPlayAllSteps(t *testing.T) {
	ft := &fakeTransport{}
	p, r := newTestPlayer(t, ft, xl330(0))

	var indices []int
	steps := []Step{{0: 0}, {0: math.Pi / 4}, {0: math.Pi / 2}}
	res, err := p.Play(context.Background(), steps, time.Millisecond, PlayOptions{
		OnStep: func(i int, _ WriteResult) { indices = append(indices, i) },
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Sent)
	assert.Equal(t, []int{0, 1, 2}, indices)

	goal, _ := r.Goal(0)
	assert.Equal(t, 3073, goal)
}

func TestPlaySkipAlternate(t *testing.T) {
	ft := &fakeTransport{}
	p, _ := newTestPlayer(t, ft, xl320(0))

	steps := []Step{{0: 0.1}, {0: 0.2}, {0: 0.3}, {0: 0.4}, {0: 0.5}}
	res, err := p.Play(context.Background(), steps, 0, PlayOptions{SkipAlternate: true})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Sent)
	assert.Equal(t, 2, res.Skipped)
	assert.Equal(t, 3, ft.writeCount())

	// Running again gives the same pattern.
	res, err = p.Play(context.Background(), steps, 0, PlayOptions{SkipAlternate: true})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Sent)
}

func TestPlayCommErrorAborts(t *testing.T) {
	ft := &fakeTransport{writeErrs: []error{nil, protocol.ErrTimeout}}
	p, _ := newTestPlayer(t, ft, xl320(0))

	steps := []Step{{0: 0.1}, {0: 0.2}, {0: 0.3}}
	res, err := p.Play(context.Background(), steps, 0, PlayOptions{})
	assert.True(t, IsCommError(err), "got %v", err)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, 2, ft.writeCount())
}

func TestPlayDelayCancelled(t *testing.T) {
	ft := &fakeTransport{}
	p, _ := newTestPlayer(t, ft, xl320(0))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := p.Play(ctx, []Step{{0: 0}, {0: 0}}, time.Minute, PlayOptions{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, 1, ft.writeCount())
}
