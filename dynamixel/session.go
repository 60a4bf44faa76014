package dynamixel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/OSUrobotics/dynamixel-control/internal/logging"
	"github.com/OSUrobotics/dynamixel-control/metrics"
	"github.com/OSUrobotics/dynamixel-control/protocol"
	"github.com/OSUrobotics/dynamixel-control/transports"
)

// Transport carries bulk transactions to the bus. *protocol.Handler
// implements it.
type Transport interface {
	BulkWrite(ctx context.Context, params []protocol.WriteParam) ([]protocol.Status, error)
	BulkRead(ctx context.Context, params []protocol.ReadParam) ([]protocol.Status, error)
	Ping(ctx context.Context, id int) (int, error)
	Reboot(ctx context.Context, id int) error
	Close() error
}

// SessionConfig holds configuration for creating a new Session.
type SessionConfig struct {
	// Transport is the bulk transport.
	// If nil, Port must be specified to open a serial connection.
	Transport Transport

	// Port is the serial port path (e.g., "/dev/ttyUSB0").
	// Ignored if Transport is provided.
	Port string

	// BaudRate is the communication speed. Default is 57600.
	BaudRate int

	// Timeout bounds the wait for status replies. Default is 100ms.
	Timeout time.Duration

	// MinCommandGap is the minimum time between packets. Default is 1ms.
	MinCommandGap time.Duration

	Logger logr.Logger
}

// State is the lifecycle state of a Session.
type State int

const (
	StateOpen State = iota
	StateWriting
	StateReading
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateWriting:
		return "writing"
	case StateReading:
		return "reading"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// WriteResult reports the outcome of a bulk write. Failed holds devices
// that returned an error status; the other writes stand.
type WriteResult struct {
	Devices []int
	Failed  []*DeviceError
}

// ReadResult holds the per-device payloads of a bulk read. A device that
// stayed silent is listed in Missing and absent from Data.
type ReadResult struct {
	Data    map[int][]byte
	Missing []*MissingDeviceError
	Failed  []*DeviceError
}

// Degraded reports whether any device is missing or failed.
func (r ReadResult) Degraded() bool {
	return len(r.Missing) > 0 || len(r.Failed) > 0
}

// Session owns one bus connection and runs one transaction at a time.
type Session struct {
	id        string
	transport Transport
	logger    logr.Logger

	// mu serializes bus access. state is readable without it.
	mu    sync.Mutex
	state atomic.Int32
}

// NewSession creates a session from cfg, opening the serial port when no
// transport is given.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = transports.DefaultBaudRate
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 100 * time.Millisecond
	}
	if cfg.MinCommandGap == 0 {
		cfg.MinCommandGap = time.Millisecond
	}
	if cfg.Logger.GetSink() == nil {
		cfg.Logger = logr.Discard()
	}

	transport := cfg.Transport
	if transport == nil {
		if cfg.Port == "" {
			return nil, errors.New("either Transport or Port must be specified")
		}
		port, err := transports.OpenSerial(transports.SerialConfig{
			Port:     cfg.Port,
			BaudRate: cfg.BaudRate,
			Timeout:  cfg.Timeout,
		})
		if err != nil {
			return nil, &CommError{Op: "open", Err: fmt.Errorf("failed to open serial port: %w", err)}
		}
		h := protocol.NewHandler(port, cfg.Timeout)
		h.SetMinCommandGap(cfg.MinCommandGap)
		transport = h
	}

	id := uuid.NewString()
	s := &Session{
		id:        id,
		transport: transport,
		logger:    cfg.Logger.WithValues("session", id),
	}
	s.setState(StateOpen)
	s.logger.V(logging.VERBOSE).Info("Session opened", "port", cfg.Port, "baudRate", cfg.BaudRate)
	return s, nil
}

// ID returns the session identifier used in log lines.
func (s *Session) ID() string {
	return s.id
}

// State returns the current lifecycle state. While a transaction is on the
// bus it reports StateWriting or StateReading.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// Close closes the transport. Calling it more than once is safe.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() == StateClosed {
		return nil
	}
	s.setState(StateClosed)
	s.logger.V(logging.VERBOSE).Info("Session closed")

	return s.transport.Close()
}

// ExecuteWrite sends tx as a single bulk write. A transport failure is
// returned as *CommError and nothing should be assumed written.
func (s *Session) ExecuteWrite(ctx context.Context, tx WriteTransaction) (WriteResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() == StateClosed {
		return WriteResult{}, ErrSessionClosed
	}
	if tx.Empty() {
		return WriteResult{}, nil
	}
	if err := ctx.Err(); err != nil {
		return WriteResult{}, err
	}

	params := make([]protocol.WriteParam, len(tx.entries))
	res := WriteResult{Devices: make([]int, len(tx.entries))}
	for i, e := range tx.entries {
		params[i] = protocol.WriteParam{ID: e.ID, Address: e.Address, Data: e.Data}
		res.Devices[i] = e.ID
	}

	s.setState(StateWriting)
	defer s.setState(StateOpen)

	start := time.Now()
	statuses, err := s.transport.BulkWrite(ctx, params)
	if err != nil {
		metrics.RecordTransaction(metrics.KindWrite, metrics.ResultError, time.Since(start))
		s.logger.V(logging.DEBUG).Info("Bulk write failed", "devices", res.Devices, "err", err)
		return res, &CommError{Op: metrics.KindWrite, Err: err}
	}

	for _, st := range statuses {
		if st.Err.HasError() {
			res.Failed = append(res.Failed, &DeviceError{ID: st.ID, Op: metrics.KindWrite, Status: st.Err})
			metrics.RecordDeviceError(st.ID)
		}
	}

	result := metrics.ResultOK
	if len(res.Failed) > 0 {
		result = metrics.ResultDegraded
	}
	metrics.RecordTransaction(metrics.KindWrite, result, time.Since(start))
	s.logger.V(logging.DEBUG).Info("Bulk write", "devices", res.Devices, "failed", len(res.Failed))

	return res, nil
}

// ExecuteRead sends tx as a single bulk read and sorts the replies by
// device. If some devices answer, their data is returned together with an
// error joining the missing and failed devices.
func (s *Session) ExecuteRead(ctx context.Context, tx ReadTransaction) (ReadResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := ReadResult{Data: make(map[int][]byte, tx.Len())}
	if s.State() == StateClosed {
		return res, ErrSessionClosed
	}
	if tx.Empty() {
		return res, nil
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}

	params := make([]protocol.ReadParam, len(tx.entries))
	for i, e := range tx.entries {
		params[i] = protocol.ReadParam{ID: e.ID, Address: e.Address, Length: e.Width}
	}

	s.setState(StateReading)
	defer s.setState(StateOpen)

	start := time.Now()
	statuses, err := s.transport.BulkRead(ctx, params)
	if err != nil && len(statuses) == 0 {
		metrics.RecordTransaction(metrics.KindRead, metrics.ResultError, time.Since(start))
		s.logger.V(logging.DEBUG).Info("Bulk read failed", "devices", len(params), "err", err)
		return res, &CommError{Op: metrics.KindRead, Err: err}
	}

	byID := make(map[int]protocol.Status, len(statuses))
	for _, st := range statuses {
		byID[st.ID] = st
	}

	var errs []error
	for _, e := range tx.entries {
		st, ok := byID[e.ID]
		switch {
		case !ok:
			missing := &MissingDeviceError{ID: e.ID, Op: metrics.KindRead}
			res.Missing = append(res.Missing, missing)
			errs = append(errs, missing)
			metrics.RecordMissingDevice(e.ID)
		case st.Err.HasError():
			devErr := &DeviceError{ID: e.ID, Op: metrics.KindRead, Status: st.Err}
			res.Failed = append(res.Failed, devErr)
			errs = append(errs, devErr)
			metrics.RecordDeviceError(e.ID)
		case len(st.Params) != e.Width:
			devErr := &DeviceError{
				ID:  e.ID,
				Op:  metrics.KindRead,
				Err: fmt.Errorf("%w: expected %d data bytes, got %d", protocol.ErrInvalidPacket, e.Width, len(st.Params)),
			}
			res.Failed = append(res.Failed, devErr)
			errs = append(errs, devErr)
			metrics.RecordDeviceError(e.ID)
		default:
			res.Data[e.ID] = st.Params
		}
	}

	result := metrics.ResultOK
	if res.Degraded() {
		result = metrics.ResultDegraded
	}
	metrics.RecordTransaction(metrics.KindRead, result, time.Since(start))
	s.logger.V(logging.DEBUG).Info("Bulk read", "devices", len(params), "missing", len(res.Missing), "failed", len(res.Failed))

	return res, errors.Join(errs...)
}

// Reboot restarts one device.
func (s *Session) Reboot(ctx context.Context, id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() == StateClosed {
		return ErrSessionClosed
	}

	start := time.Now()
	err := s.transport.Reboot(ctx, id)
	if err != nil {
		metrics.RecordTransaction(metrics.KindReboot, metrics.ResultError, time.Since(start))
		s.logger.V(logging.DEBUG).Info("Reboot failed", "device", id, "err", err)

		var status protocol.StatusError
		if errors.As(err, &status) {
			metrics.RecordDeviceError(id)
			return &DeviceError{ID: id, Op: metrics.KindReboot, Status: status}
		}
		return &CommError{Op: metrics.KindReboot, Err: err}
	}

	metrics.RecordTransaction(metrics.KindReboot, metrics.ResultOK, time.Since(start))
	s.logger.V(logging.DEBUG).Info("Rebooted device", "device", id)
	return nil
}

// Ping asks one device for its model number.
func (s *Session) Ping(ctx context.Context, id int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() == StateClosed {
		return 0, ErrSessionClosed
	}

	start := time.Now()
	model, err := s.transport.Ping(ctx, id)
	if err != nil {
		metrics.RecordTransaction(metrics.KindPing, metrics.ResultError, time.Since(start))
		s.logger.V(logging.DEBUG).Info("Ping failed", "device", id, "err", err)

		var status protocol.StatusError
		if errors.As(err, &status) {
			metrics.RecordDeviceError(id)
			return 0, &DeviceError{ID: id, Op: metrics.KindPing, Status: status}
		}
		if errors.Is(err, protocol.ErrNoResponse) {
			metrics.RecordMissingDevice(id)
			return 0, &MissingDeviceError{ID: id, Op: metrics.KindPing}
		}
		return 0, &CommError{Op: metrics.KindPing, Err: err}
	}

	metrics.RecordTransaction(metrics.KindPing, metrics.ResultOK, time.Since(start))
	s.logger.V(logging.DEBUG).Info("Pinged device", "device", id, "model", model)
	return model, nil
}
