package protocol

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Handler exchanges Protocol 2.0 packets with devices over a Port. It frames
// instructions, enforces half-duplex turnaround and collects status replies;
// it does not know anything about register meaning.
type Handler struct {
	port    Port
	timeout time.Duration

	mu          sync.Mutex
	lastCmdTime time.Time
	minCmdGap   time.Duration
	closed      bool
}

// NewHandler wraps an open port. A zero timeout defaults to 100ms.
func NewHandler(port Port, timeout time.Duration) *Handler {
	if timeout == 0 {
		timeout = 100 * time.Millisecond
	}
	return &Handler{
		port:        port,
		timeout:     timeout,
		minCmdGap:   time.Millisecond,
		lastCmdTime: time.Now(),
	}
}

// SetMinCommandGap sets the minimum time between two outgoing packets.
func (h *Handler) SetMinCommandGap(gap time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.minCmdGap = gap
}

// Close closes the port. Calling it more than once is safe.
func (h *Handler) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	h.closed = true

	return h.port.Close()
}

// Ping sends a ping to the specified device and returns its model number.
func (h *Handler) Ping(ctx context.Context, id int) (int, error) {
	if err := validateID(id); err != nil {
		return 0, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	st, err := h.transactLocked(ctx, PingPacket(byte(id)), ExpectedStatusLength(3))
	if err != nil {
		return 0, err
	}
	if err := checkStatus(st, id); err != nil {
		return 0, err
	}

	return int(DecodeWord(st.Params)), nil
}

// Reboot restarts one device. The device acknowledges before it resets.
func (h *Handler) Reboot(ctx context.Context, id int) error {
	if err := validateID(id); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	st, err := h.transactLocked(ctx, RebootPacket(byte(id)), ExpectedStatusLength(0))
	if err != nil {
		return err
	}
	return checkStatus(st, id)
}

// BulkWrite sends one bulk write packet. Bulk writes are broadcast, so no
// per-device status is returned.
func (h *Handler) BulkWrite(ctx context.Context, params []WriteParam) ([]Status, error) {
	for _, p := range params {
		if err := validateID(p.ID); err != nil {
			return nil, err
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrPortClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := h.sendPacketLocked(BulkWritePacket(params)); err != nil {
		return nil, err
	}
	return nil, nil
}

// BulkRead sends one bulk read packet and collects the status replies.
// Devices that stay silent are simply absent from the result; an error is
// returned only when nothing usable arrived at all.
func (h *Handler) BulkRead(ctx context.Context, params []ReadParam) ([]Status, error) {
	expectedLen := 0
	for _, p := range params {
		if err := validateID(p.ID); err != nil {
			return nil, err
		}
		expectedLen += ExpectedStatusLength(p.Length)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrPortClosed
	}

	if err := h.sendPacketLocked(BulkReadPacket(params)); err != nil {
		return nil, err
	}

	raw, err := h.readLocked(ctx, expectedLen, func(buf []byte) bool {
		return len(DecodeMultiple(buf, len(params))) == len(params)
	})
	if err != nil && len(raw) == 0 {
		return nil, err
	}

	return DecodeMultiple(raw, len(params)), nil
}

// Internal methods

func validateID(id int) error {
	if id < 0 || id > MaxDeviceID {
		return fmt.Errorf("%w: %d (valid range: 0-%d)", ErrInvalidID, id, MaxDeviceID)
	}
	return nil
}

func checkStatus(st Status, id int) error {
	if st.ID != id {
		return fmt.Errorf("wrong device ID in response: expected %d, got %d", id, st.ID)
	}
	if st.Err.HasError() {
		return st.Err
	}
	return nil
}

func (h *Handler) transactLocked(ctx context.Context, packet []byte, expectedLen int) (Status, error) {
	if h.closed {
		return Status{}, ErrPortClosed
	}

	if err := h.sendPacketLocked(packet); err != nil {
		return Status{}, err
	}

	raw, err := h.readLocked(ctx, expectedLen, func(buf []byte) bool {
		_, _, err := Decode(buf)
		return err == nil
	})
	if err != nil {
		return Status{}, err
	}

	st, _, err := Decode(raw)
	return st, err
}

func (h *Handler) enforceCommandGap() {
	elapsed := time.Since(h.lastCmdTime)
	if elapsed < h.minCmdGap {
		time.Sleep(h.minCmdGap - elapsed)
	}
}

func (h *Handler) sendPacketLocked(packet []byte) error {
	h.enforceCommandGap()

	// Flush any stale input
	h.port.Flush()

	n, err := h.port.Write(packet)
	if err != nil {
		return fmt.Errorf("write failed: %w", err)
	}
	if n != len(packet) {
		return fmt.Errorf("incomplete write: %d of %d bytes", n, len(packet))
	}

	h.lastCmdTime = time.Now()

	// Small delay for half-duplex turnaround
	time.Sleep(100 * time.Microsecond)

	return nil
}

// readLocked reads until at least minLen bytes have arrived and complete
// reports true, or until the handler timeout expires. On timeout it returns
// whatever was read alongside the error.
func (h *Handler) readLocked(ctx context.Context, minLen int, complete func([]byte) bool) ([]byte, error) {
	buffer := make([]byte, 0, minLen*2)
	chunk := make([]byte, max(minLen, 64))
	deadline := time.Now().Add(h.timeout)

	for len(buffer) < minLen || !complete(buffer) {
		select {
		case <-ctx.Done():
			return buffer, ctx.Err()
		default:
		}

		if time.Now().After(deadline) {
			if len(buffer) == 0 {
				return nil, ErrNoResponse
			}
			return buffer, fmt.Errorf("%w: read %d of %d expected bytes", ErrTimeout, len(buffer), minLen)
		}

		remaining := max(time.Until(deadline), 10*time.Millisecond)
		h.port.SetReadTimeout(remaining)

		n, err := h.port.Read(chunk)
		if n > 0 {
			buffer = append(buffer, chunk[:n]...)
		}
		if err != nil || n == 0 {
			// Timeouts surface as empty reads while waiting
			time.Sleep(time.Millisecond)
		}
	}

	return buffer, nil
}
