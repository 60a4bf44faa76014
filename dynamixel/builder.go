package dynamixel

import (
	"cmp"
	"fmt"
	"slices"
	"sync"
)

// WriteEntry is one device's part of a bulk write.
type WriteEntry struct {
	ID      int
	Field   Field
	Address uint16
	Width   int
	Data    []byte
}

// ReadEntry is one device's part of a bulk read.
type ReadEntry struct {
	ID      int
	Field   Field
	Address uint16
	Width   int
}

// WriteTransaction is an immutable bulk write, ordered by registration.
type WriteTransaction struct {
	entries []WriteEntry
}

// Entries returns a copy of the transaction entries.
func (t WriteTransaction) Entries() []WriteEntry {
	out := make([]WriteEntry, len(t.entries))
	for i, e := range t.entries {
		e.Data = append([]byte(nil), e.Data...)
		out[i] = e
	}
	return out
}

// Len returns the number of devices addressed.
func (t WriteTransaction) Len() int { return len(t.entries) }

// Empty reports whether the transaction addresses no device.
func (t WriteTransaction) Empty() bool { return len(t.entries) == 0 }

// ReadTransaction is an immutable bulk read, ordered by registration.
type ReadTransaction struct {
	entries []ReadEntry
}

// Entries returns a copy of the transaction entries.
func (t ReadTransaction) Entries() []ReadEntry {
	return slices.Clone(t.entries)
}

// Len returns the number of devices addressed.
func (t ReadTransaction) Len() int { return len(t.entries) }

// Empty reports whether the transaction addresses no device.
func (t ReadTransaction) Empty() bool { return len(t.entries) == 0 }

// Builder accumulates per-device reads and writes and turns them into
// transactions. A device may have at most one pending entry per buffer.
type Builder struct {
	registry *Registry

	mu     sync.Mutex
	writes []WriteEntry
	reads  []ReadEntry
}

// NewBuilder creates a builder resolving registers through registry.
func NewBuilder(registry *Registry) *Builder {
	return &Builder{registry: registry}
}

// AddWrite queues value for field on device id.
func (b *Builder) AddWrite(id int, field Field, value int) error {
	reg, err := b.lookup(id, field)
	if err != nil {
		return err
	}
	if reg.ReadOnly {
		return fmt.Errorf("%w: device %d field %q", ErrReadOnlyField, id, field)
	}

	data, err := EncodeValue(field, reg.Width, encodeSignMagnitude(value, reg.SignBit))
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, e := range b.writes {
		if e.ID == id {
			return &DuplicateFieldError{ID: id, Field: field, Pending: e.Field}
		}
	}
	b.writes = append(b.writes, WriteEntry{
		ID:      id,
		Field:   field,
		Address: reg.Address,
		Width:   reg.Width,
		Data:    data,
	})
	return nil
}

// AddRead queues a read of field from device id.
func (b *Builder) AddRead(id int, field Field) error {
	reg, err := b.lookup(id, field)
	if err != nil {
		return err
	}
	if !validWidth(reg.Width) {
		return &UnsupportedWidthError{Field: field, Width: reg.Width}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, e := range b.reads {
		if e.ID == id {
			return &DuplicateFieldError{ID: id, Field: field, Pending: e.Field}
		}
	}
	b.reads = append(b.reads, ReadEntry{
		ID:      id,
		Field:   field,
		Address: reg.Address,
		Width:   reg.Width,
	})
	return nil
}

// BuildWrite snapshots the pending writes and clears the write buffer.
func (b *Builder) BuildWrite() WriteTransaction {
	b.mu.Lock()
	entries := b.writes
	b.writes = nil
	b.mu.Unlock()

	slices.SortStableFunc(entries, func(x, y WriteEntry) int {
		return cmp.Compare(b.order(x.ID), b.order(y.ID))
	})
	return WriteTransaction{entries: entries}
}

// BuildRead snapshots the pending reads and clears the read buffer.
func (b *Builder) BuildRead() ReadTransaction {
	b.mu.Lock()
	entries := b.reads
	b.reads = nil
	b.mu.Unlock()

	slices.SortStableFunc(entries, func(x, y ReadEntry) int {
		return cmp.Compare(b.order(x.ID), b.order(y.ID))
	})
	return ReadTransaction{entries: entries}
}

// Clear drops everything pending in both buffers.
func (b *Builder) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writes = nil
	b.reads = nil
}

// PendingWrites returns the number of queued writes.
func (b *Builder) PendingWrites() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.writes)
}

// PendingReads returns the number of queued reads.
func (b *Builder) PendingReads() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.reads)
}

func (b *Builder) lookup(id int, field Field) (Register, error) {
	p, ok := b.registry.Profile(id)
	if !ok {
		return Register{}, unknownDevice(id)
	}
	reg, ok := p.Register(field)
	if !ok {
		return Register{}, &UnknownFieldError{ID: id, Model: p.Model(), Field: field}
	}
	return reg, nil
}

func (b *Builder) order(id int) int {
	i, _ := b.registry.Index(id)
	return i
}

func validWidth(w int) bool {
	return w == 1 || w == 2 || w == 4
}
