// Package counters implements the mmap'd labels/values counter files under
// adminDir/counters: a fixed-size values file of int64 slots and a labels
// file of fixed-width UTF-8 label strings, one pair of slots per
// registered counter (position indicators, diagnostic counters). Grounded
// on the ambient-surface idea in nonchalant's internal/svc/health package
// (a small always-on introspection surface alongside the hot path);
// storage itself uses golang.org/x/sys/unix.Mmap. The counter files are
// the only mapped files; log buffer terms are ordinary heap slices.
package counters

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	labelSlotLength = 128
	valueSlotLength = 8
)

var ErrFull = errors.New("counters: no free slots")

// Manager owns the two mmap'd counter files and hands out Counter handles.
type Manager struct {
	valuesFile *os.File
	labelsFile *os.File
	values     []byte // mmap'd, valueSlotLength per counter
	labels     []byte // mmap'd, labelSlotLength per counter

	mu       sync.Mutex
	nextSlot int32
	maxSlots int32
}

// Open creates (or truncates) and mmaps the values/labels files under dir,
// sized for maxSlots counters.
func Open(dir string, maxSlots int32) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("counters: mkdir %s: %w", dir, err)
	}
	valuesPath := dir + "/values"
	labelsPath := dir + "/labels"

	values, valuesFile, err := mmapFile(valuesPath, int64(maxSlots)*valueSlotLength)
	if err != nil {
		return nil, err
	}
	labels, labelsFile, err := mmapFile(labelsPath, int64(maxSlots)*labelSlotLength)
	if err != nil {
		valuesFile.Close()
		return nil, err
	}

	return &Manager{
		valuesFile: valuesFile,
		labelsFile: labelsFile,
		values:     values,
		labels:     labels,
		maxSlots:   maxSlots,
	}, nil
}

func mmapFile(path string, size int64) ([]byte, *os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("counters: open %s: %w", path, err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("counters: truncate %s: %w", path, err)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("counters: mmap %s: %w", path, err)
	}
	return data, f, nil
}

// Counter is a handle to one int64 slot, independently addressable by the
// Conductor (writer) and any reader mapping the same files.
type Counter struct {
	slot  int32
	value []byte
}

// Set stores v with release ordering via the first 8 bytes of the slot.
func (c Counter) Set(v int64) {
	atomic.StoreInt64((*int64)(unsafe.Pointer(&c.value[0])), v)
}

func (c Counter) Get() int64 {
	return atomic.LoadInt64((*int64)(unsafe.Pointer(&c.value[0])))
}

func (c Counter) Add(delta int64) int64 {
	return atomic.AddInt64((*int64)(unsafe.Pointer(&c.value[0])), delta)
}

// Allocate reserves the next free slot and writes label into the labels
// file: a 4-byte big-endian length (of the whole label) followed by at
// most labelSlotLength-4 bytes of the label, the rest of the slot zeroed.
func (m *Manager) Allocate(label string) (Counter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.nextSlot >= m.maxSlots {
		return Counter{}, ErrFull
	}
	slot := m.nextSlot
	m.nextSlot++

	labelBuf := m.labels[int64(slot)*labelSlotLength : int64(slot+1)*labelSlotLength]
	for i := range labelBuf {
		labelBuf[i] = 0
	}
	binary.BigEndian.PutUint32(labelBuf[0:4], uint32(len(label)))
	copy(labelBuf[4:], label)

	valueBuf := m.values[int64(slot)*valueSlotLength : int64(slot+1)*valueSlotLength]
	return Counter{slot: slot, value: valueBuf}, nil
}

// Close unmaps both counter files. The underlying files are left on disk;
// neither Close nor the driver's Stop deletes them.
func (m *Manager) Close() error {
	err1 := unix.Munmap(m.values)
	err2 := unix.Munmap(m.labels)
	m.valuesFile.Close()
	m.labelsFile.Close()
	if err1 != nil {
		return err1
	}
	return err2
}
