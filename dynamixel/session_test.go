package dynamixel

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OSUrobotics/dynamixel-control/protocol"
)

// fakeTransport records bulk transactions and answers reads from a table of
// per-device payloads.
type fakeTransport struct {
	mu sync.Mutex

	writes  [][]protocol.WriteParam
	reads   [][]protocol.ReadParam
	pings   []int
	reboots []int
	closed  int

	// onWrite and onRead run before the fake handles the call.
	onWrite func()
	onRead  func()

	// writeErrs is consumed one entry per BulkWrite call.
	writeErrs   []error
	writeStatus []protocol.Status
	readData    map[int][]byte
	readStatus  map[int]protocol.StatusError
	readErr     error
	rebootErr   error
	models      map[int]int
	pingErr     error
}

func (f *fakeTransport) BulkWrite(_ context.Context, params []protocol.WriteParam) ([]protocol.Status, error) {
	if f.onWrite != nil {
		f.onWrite()
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	f.writes = append(f.writes, params)
	if len(f.writeErrs) > 0 {
		err := f.writeErrs[0]
		f.writeErrs = f.writeErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return f.writeStatus, nil
}

func (f *fakeTransport) BulkRead(_ context.Context, params []protocol.ReadParam) ([]protocol.Status, error) {
	if f.onRead != nil {
		f.onRead()
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	f.reads = append(f.reads, params)
	var out []protocol.Status
	for _, p := range params {
		data, ok := f.readData[p.ID]
		if !ok {
			continue
		}
		out = append(out, protocol.Status{ID: p.ID, Err: f.readStatus[p.ID], Params: data})
	}
	if len(out) == 0 && f.readErr != nil {
		return nil, f.readErr
	}
	return out, nil
}

// Ping answers with the model number in models, or no response at all.
func (f *fakeTransport) Ping(_ context.Context, id int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings = append(f.pings, id)
	if f.pingErr != nil {
		return 0, f.pingErr
	}
	model, ok := f.models[id]
	if !ok {
		return 0, protocol.ErrNoResponse
	}
	return model, nil
}

func (f *fakeTransport) Reboot(_ context.Context, id int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reboots = append(f.reboots, id)
	return f.rebootErr
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeTransport) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

func newTestSession(t *testing.T, ft *fakeTransport) *Session {
	t.Helper()
	s, err := NewSession(SessionConfig{Transport: ft, Logger: testr.New(t)})
	require.NoError(t, err)
	return s
}

func TestNewSessionRequiresPort(t *testing.T) {
	_, err := NewSession(SessionConfig{})
	assert.Error(t, err)
}

func TestSessionExecuteWrite(t *testing.T) {
	r := newTestRegistry(t, xl320(0), xl320(1))
	b := NewBuilder(r)
	ft := &fakeTransport{}
	s := newTestSession(t, ft)

	require.NoError(t, b.AddWrite(1, FieldGoalPosition, 818))
	require.NoError(t, b.AddWrite(0, FieldGoalPosition, 511))

	res, err := s.ExecuteWrite(context.Background(), b.BuildWrite())
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, res.Devices)
	assert.Empty(t, res.Failed)

	require.Len(t, ft.writes, 1)
	assert.Equal(t, []protocol.WriteParam{
		{ID: 0, Address: 30, Data: []byte{0xFF, 0x01}},
		{ID: 1, Address: 30, Data: []byte{0x32, 0x03}},
	}, ft.writes[0])
	assert.Equal(t, StateOpen, s.State())
	assert.NotEmpty(t, s.ID())
}

func TestSessionExecuteWriteEmpty(t *testing.T) {
	ft := &fakeTransport{}
	s := newTestSession(t, ft)

	res, err := s.ExecuteWrite(context.Background(), WriteTransaction{})
	require.NoError(t, err)
	assert.Empty(t, res.Devices)
	assert.Zero(t, ft.writeCount())
}

func TestSessionExecuteWriteDeviceStatus(t *testing.T) {
	r := newTestRegistry(t, xl320(0), xl320(1))
	b := NewBuilder(r)
	ft := &fakeTransport{
		writeStatus: []protocol.Status{
			{ID: 0},
			{ID: 1, Err: protocol.ErrNumDataRange},
		},
	}
	s := newTestSession(t, ft)

	require.NoError(t, b.AddWrite(0, FieldLED, 1))
	require.NoError(t, b.AddWrite(1, FieldLED, 1))

	res, err := s.ExecuteWrite(context.Background(), b.BuildWrite())
	require.NoError(t, err)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, 1, res.Failed[0].ID)
	assert.Equal(t, protocol.ErrNumDataRange, res.Failed[0].Status)
}

func TestSessionCommErrorKeepsGoals(t *testing.T) {
	r := newTestRegistry(t, xl320(0), xl320(1), xl320(2))
	ft := &fakeTransport{writeErrs: []error{protocol.ErrTimeout}}
	s := newTestSession(t, ft)
	c := NewController(r, s, ControllerConfig{Retries: 1})

	_, err := r.UpdateGoal(1, 700, true)
	require.NoError(t, err)

	tx, err := c.player.goalTransaction()
	require.NoError(t, err)

	_, err = s.ExecuteWrite(context.Background(), tx)
	require.True(t, IsCommError(err), "got %v", err)
	assert.ErrorIs(t, err, protocol.ErrTimeout)

	goal, _ := r.Goal(1)
	assert.Equal(t, 700, goal)

	// Resending the same transaction carries the same bytes.
	_, err = s.ExecuteWrite(context.Background(), tx)
	require.NoError(t, err)
	require.Len(t, ft.writes, 2)
	assert.Equal(t, ft.writes[0], ft.writes[1])

	goal, _ = r.Goal(1)
	assert.Equal(t, 700, goal, "goal not shifted twice")
}

func TestSessionExecuteReadDegraded(t *testing.T) {
	r := newTestRegistry(t, xl320(0), xl320(1), xl320(2))
	b := NewBuilder(r)
	ft := &fakeTransport{
		readData: map[int][]byte{
			0: {0xFF, 0x01},
			1: {0x32, 0x03},
		},
	}
	s := newTestSession(t, ft)

	for _, id := range r.IDs() {
		require.NoError(t, b.AddRead(id, FieldPresentPosition))
	}

	res, err := s.ExecuteRead(context.Background(), b.BuildRead())
	require.Error(t, err)
	assert.False(t, IsCommError(err))
	assert.True(t, IsMissingDevice(err))
	assert.ErrorIs(t, err, protocol.ErrNoResponse)

	assert.Equal(t, map[int][]byte{0: {0xFF, 0x01}, 1: {0x32, 0x03}}, res.Data)
	require.Len(t, res.Missing, 1)
	assert.Equal(t, 2, res.Missing[0].ID)
	assert.True(t, res.Degraded())
}

func TestSessionExecuteReadCommError(t *testing.T) {
	r := newTestRegistry(t, xl320(0))
	b := NewBuilder(r)
	ft := &fakeTransport{readErr: protocol.ErrNoResponse}
	s := newTestSession(t, ft)

	require.NoError(t, b.AddRead(0, FieldPresentPosition))
	_, err := s.ExecuteRead(context.Background(), b.BuildRead())

	var commErr *CommError
	require.ErrorAs(t, err, &commErr)
	assert.Equal(t, "bulk_read", commErr.Op)
}

func TestSessionExecuteReadBadPayload(t *testing.T) {
	r := newTestRegistry(t, xl320(0), xl320(1))
	b := NewBuilder(r)
	ft := &fakeTransport{
		readData:   map[int][]byte{0: {0x01}, 1: {0x00, 0x02}},
		readStatus: map[int]protocol.StatusError{1: protocol.ErrNumAccess},
	}
	s := newTestSession(t, ft)

	require.NoError(t, b.AddRead(0, FieldPresentPosition))
	require.NoError(t, b.AddRead(1, FieldPresentPosition))

	res, err := s.ExecuteRead(context.Background(), b.BuildRead())
	require.Error(t, err)
	assert.Empty(t, res.Data)
	require.Len(t, res.Failed, 2)
	assert.ErrorIs(t, res.Failed[0], protocol.ErrInvalidPacket)
	assert.Equal(t, protocol.ErrNumAccess, res.Failed[1].Status)
}

func TestSessionReboot(t *testing.T) {
	ft := &fakeTransport{}
	s := newTestSession(t, ft)

	require.NoError(t, s.Reboot(context.Background(), 3))
	assert.Equal(t, []int{3}, ft.reboots)

	ft.rebootErr = protocol.ErrNumAccess
	_, isDevice := GetDeviceError(s.Reboot(context.Background(), 3))
	assert.True(t, isDevice)

	ft.rebootErr = protocol.ErrNoResponse
	assert.True(t, IsCommError(s.Reboot(context.Background(), 3)))
}

func TestSessionClose(t *testing.T) {
	r := newTestRegistry(t, xl320(0))
	b := NewBuilder(r)
	ft := &fakeTransport{}
	s := newTestSession(t, ft)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, 1, ft.closed)
	assert.Equal(t, StateClosed, s.State())

	require.NoError(t, b.AddWrite(0, FieldLED, 1))
	_, err := s.ExecuteWrite(context.Background(), b.BuildWrite())
	assert.ErrorIs(t, err, ErrSessionClosed)

	_, err = s.ExecuteRead(context.Background(), ReadTransaction{})
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.ErrorIs(t, s.Reboot(context.Background(), 0), ErrSessionClosed)
}

func TestSessionCancelledContext(t *testing.T) {
	r := newTestRegistry(t, xl320(0))
	b := NewBuilder(r)
	ft := &fakeTransport{}
	s := newTestSession(t, ft)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, b.AddWrite(0, FieldLED, 1))
	_, err := s.ExecuteWrite(ctx, b.BuildWrite())
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Zero(t, ft.writeCount())
}

func TestSessionStateDuringTransaction(t *testing.T) {
	r := newTestRegistry(t, xl320(0))
	b := NewBuilder(r)
	ft := &fakeTransport{readData: map[int][]byte{0: {0xFF, 0x01}}}
	s := newTestSession(t, ft)

	var duringWrite, duringRead State
	ft.onWrite = func() { duringWrite = s.State() }
	ft.onRead = func() { duringRead = s.State() }

	require.NoError(t, b.AddWrite(0, FieldLED, 1))
	_, err := s.ExecuteWrite(context.Background(), b.BuildWrite())
	require.NoError(t, err)

	require.NoError(t, b.AddRead(0, FieldPresentPosition))
	_, err = s.ExecuteRead(context.Background(), b.BuildRead())
	require.NoError(t, err)

	assert.Equal(t, StateWriting, duringWrite)
	assert.Equal(t, StateReading, duringRead)
	assert.Equal(t, StateOpen, s.State())
}

func TestSessionPing(t *testing.T) {
	tests := []struct {
		name    string
		ft      *fakeTransport
		want    int
		wantErr func(t *testing.T, err error)
	}{
		{
			name: "answers",
			ft:   &fakeTransport{models: map[int]int{5: 350}},
			want: 350,
		},
		{
			name: "silent device",
			ft:   &fakeTransport{},
			wantErr: func(t *testing.T, err error) {
				assert.True(t, IsMissingDevice(err), "got %v", err)
			},
		},
		{
			name: "status error",
			ft:   &fakeTransport{pingErr: protocol.ErrNumResultFail},
			wantErr: func(t *testing.T, err error) {
				devErr, ok := GetDeviceError(err)
				require.True(t, ok, "got %v", err)
				assert.Equal(t, 5, devErr.ID)
			},
		},
		{
			name: "bus failure",
			ft:   &fakeTransport{pingErr: protocol.ErrTimeout},
			wantErr: func(t *testing.T, err error) {
				assert.True(t, IsCommError(err), "got %v", err)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSession(t, tt.ft)
			got, err := s.Ping(context.Background(), 5)
			if tt.wantErr != nil {
				tt.wantErr(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, []int{5}, tt.ft.pings)
		})
	}

	s := newTestSession(t, &fakeTransport{})
	require.NoError(t, s.Close())
	_, err := s.Ping(context.Background(), 5)
	assert.ErrorIs(t, err, ErrSessionClosed)
}
