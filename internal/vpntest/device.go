package vpntest

import (
	"net"
	"sync"
)

// MemDevice is an in-memory TUN device. Packets given to [MemDevice.Inject]
// come out of Read, as if a host application sent them, and packets
// written by the tunnel come out of [MemDevice.Written].
type MemDevice struct {
	name    string
	mtu     int
	toRead  chan []byte
	written chan []byte
	closed  chan struct{}
	once    sync.Once
}

// NewMemDevice creates a [MemDevice].
func NewMemDevice(name string, mtu int) *MemDevice {
	return &MemDevice{
		name:    name,
		mtu:     mtu,
		toRead:  make(chan []byte, 64),
		written: make(chan []byte, 256),
		closed:  make(chan struct{}),
	}
}

// Name returns the device name.
func (d *MemDevice) Name() string {
	return d.name
}

// MTU returns the device MTU.
func (d *MemDevice) MTU() int {
	return d.mtu
}

// Read blocks until a packet is injected or the device is closed.
func (d *MemDevice) Read(b []byte) (int, error) {
	select {
	case pkt := <-d.toRead:
		return copy(b, pkt), nil
	case <-d.closed:
		return 0, net.ErrClosed
	}
}

// Write records a packet; it is dropped when nobody drains [MemDevice.Written].
func (d *MemDevice) Write(b []byte) (int, error) {
	select {
	case <-d.closed:
		return 0, net.ErrClosed
	default:
	}
	select {
	case d.written <- append([]byte{}, b...):
	default:
	}
	return len(b), nil
}

// Close closes the device. It is idempotent.
func (d *MemDevice) Close() error {
	d.once.Do(func() { close(d.closed) })
	return nil
}

// IsClosed returns whether Close was called.
func (d *MemDevice) IsClosed() bool {
	select {
	case <-d.closed:
		return true
	default:
		return false
	}
}

// Inject queues pkt for the next Read.
func (d *MemDevice) Inject(pkt []byte) {
	select {
	case d.toRead <- pkt:
	case <-d.closed:
	}
}

// Written returns the packets the tunnel wrote to the device.
func (d *MemDevice) Written() <-chan []byte {
	return d.written
}
