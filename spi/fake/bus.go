// Package fake implements a fake SPI bus for testing the registry and
// service boundary without hardware.
package fake

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/mangoh-io/spid/spi"
)

// Bus is a fake spi.Bus. Every Open succeeds unless failure is injected, and
// each Conn journals the transfers issued against it.
type Bus struct {
	mu      sync.Mutex
	openErr error
	conns   []*Conn
}

// NewBus returns a fake bus.
func NewBus() *Bus {
	return &Bus{}
}

// SetOpenErr makes every subsequent Open fail with err; nil restores
// success.
func (b *Bus) SetOpenErr(err error) {
	b.mu.Lock()
	b.openErr = err
	b.mu.Unlock()
}

// Open implements spi.Bus.
func (b *Bus) Open(path string) (spi.Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openErr != nil {
		return nil, b.openErr
	}
	conn := &Conn{path: path, rxByte: 0xA5}
	b.conns = append(b.conns, conn)
	return conn, nil
}

// Conns returns every connection the bus has opened, including closed ones,
// in open order.
func (b *Bus) Conns() []*Conn {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Conn, len(b.conns))
	copy(out, b.conns)
	return out
}

// Transfer records one operation issued against a fake connection.
type Transfer struct {
	Op      string
	Tx      []byte
	ReadLen int
}

// Conn is a fake spi.Conn. Received buffers are filled with a fixed byte
// (0xA5) so tests can assert on payloads.
type Conn struct {
	mu sync.Mutex

	path   string
	rxByte byte

	transferErr error
	closeErr    error

	mode    spi.Mode
	bits    uint8
	speedHz uint32
	order   spi.BitOrder

	transfers []Transfer
	closed    bool
}

// Path returns the device path this connection was opened with.
func (c *Conn) Path() string {
	return c.path
}

// SetTransferErr makes every subsequent transfer and configure call fail
// with err; nil restores success.
func (c *Conn) SetTransferErr(err error) {
	c.mu.Lock()
	c.transferErr = err
	c.mu.Unlock()
}

// SetCloseErr makes Close return err. The close still takes effect,
// mirroring a descriptor that errors on release but is gone regardless.
func (c *Conn) SetCloseErr(err error) {
	c.mu.Lock()
	c.closeErr = err
	c.mu.Unlock()
}

// Settings returns the configuration last applied via Configure.
func (c *Conn) Settings() (spi.Mode, uint8, uint32, spi.BitOrder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode, c.bits, c.speedHz, c.order
}

// Transfers returns the journal of operations issued on this connection.
func (c *Conn) Transfers() []Transfer {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Transfer, len(c.transfers))
	copy(out, c.transfers)
	return out
}

// Closed reports whether the connection has been released.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Configure implements spi.Conn.
func (c *Conn) Configure(mode spi.Mode, bits uint8, speedHz uint32, order spi.BitOrder) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.usable(); err != nil {
		return err
	}
	c.mode = mode
	c.bits = bits
	c.speedHz = speedHz
	c.order = order
	return nil
}

// Write implements spi.Conn.
func (c *Conn) Write(tx []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.usable(); err != nil {
		return err
	}
	c.transfers = append(c.transfers, Transfer{Op: "write", Tx: append([]byte{}, tx...)})
	return nil
}

// Read implements spi.Conn.
func (c *Conn) Read(n int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.usable(); err != nil {
		return nil, err
	}
	c.transfers = append(c.transfers, Transfer{Op: "read", ReadLen: n})
	return c.fill(n), nil
}

// WriteRead implements spi.Conn.
func (c *Conn) WriteRead(tx []byte, readLen int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.usable(); err != nil {
		return nil, err
	}
	c.transfers = append(c.transfers, Transfer{
		Op: "write-read", Tx: append([]byte{}, tx...), ReadLen: readLen,
	})
	return c.fill(readLen), nil
}

// WriteReadFullDuplex implements spi.Conn.
func (c *Conn) WriteReadFullDuplex(tx []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.usable(); err != nil {
		return nil, err
	}
	c.transfers = append(c.transfers, Transfer{
		Op: "write-read-fd", Tx: append([]byte{}, tx...), ReadLen: len(tx),
	})
	return c.fill(len(tx)), nil
}

// Close implements spi.Conn.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return c.closeErr
}

func (c *Conn) usable() error {
	if c.closed {
		return errors.New("connection is closed")
	}
	if c.transferErr != nil {
		return c.transferErr
	}
	return nil
}

func (c *Conn) fill(n int) []byte {
	rx := make([]byte, n)
	for i := range rx {
		rx[i] = c.rxByte
	}
	return rx
}
