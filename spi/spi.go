// Package spi exposes a Linux SPI master to multiple client sessions through
// opaque device handles. The registry in this package is the access-control
// core: it enforces one live handle per physical device (keyed by inode, not
// path, so aliased device nodes collide correctly) and one owning session per
// handle, and it reclaims every handle a session holds when that session
// disconnects.
package spi

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Result taxonomy for registry operations. Callers distinguish cases with
// errors.Is; the boundary layer maps these onto wire result codes.
var (
	// ErrBadParameter indicates malformed caller input, such as an empty or
	// oversized device name.
	ErrBadParameter = errors.New("bad parameter")
	// ErrNotFound indicates the device node does not exist.
	ErrNotFound = errors.New("device not found")
	// ErrNotPermitted indicates the device node cannot be accessed read/write.
	ErrNotPermitted = errors.New("device access not permitted")
	// ErrDuplicate indicates another live handle already covers the same
	// physical device.
	ErrDuplicate = errors.New("device already open")
	// ErrFault is the catch-all for OS-level open and transfer failures.
	ErrFault = errors.New("device fault")

	// ErrProtocolViolation indicates a caller misusing the handle protocol:
	// presenting a handle it was never issued, a handle owned by another
	// session, or a transfer that breaks a fatal precondition. It is never
	// surfaced to clients as a result code; the boundary layer responds by
	// terminating the offending session.
	ErrProtocolViolation = errors.New("protocol violation")
)

// Handle is an opaque, session-scoped token referencing one open device. A
// fresh token is allocated per successful open and never reused, so a stale
// token from a released handle cannot alias a newer one.
type Handle uuid.UUID

// NilHandle is the invalid zero handle.
var NilHandle Handle

func (h Handle) String() string {
	return uuid.UUID(h).String()
}

// HandleFromBytes decodes a handle token from its 16-byte wire form.
func HandleFromBytes(b []byte) (Handle, error) {
	id, err := uuid.FromBytes(b)
	if err != nil {
		return NilHandle, errors.Wrap(ErrProtocolViolation, "malformed handle token")
	}
	return Handle(id), nil
}

// Bytes returns the 16-byte wire form of the handle token.
func (h Handle) Bytes() []byte {
	b := make([]byte, len(h))
	copy(b, h[:])
	return b
}

// SessionID identifies one client session. The boundary layer allocates one
// per connection and guarantees it stays stable for the connection's life.
type SessionID uuid.UUID

// NewSessionID allocates a fresh session identity.
func NewSessionID() SessionID {
	return SessionID(uuid.New())
}

func (s SessionID) String() string {
	return uuid.UUID(s).String()
}

// Mode is the SPI clock mode (CPOL/CPHA), 0 through 3.
type Mode int

// The four standard SPI modes.
const (
	Mode0 Mode = iota
	Mode1
	Mode2
	Mode3
)

// BitOrder selects which end of each word is clocked out first.
type BitOrder int

// Supported bit orders.
const (
	MSBFirst BitOrder = iota
	LSBFirst
)

// Bus opens connections to SPI device nodes. The production implementation
// lives in the spidev package; tests substitute a fake.
type Bus interface {
	// Open opens the device node at path for read/write transfers.
	Open(path string) (Conn, error)
}

// Conn is an open connection to one SPI device. All state (mode, speed, word
// size, bit order) lives in the device's registers; a Conn is stateless
// between calls.
type Conn interface {
	// Configure sets mode, word size, clock speed, and bit order, reading
	// each value back to verify the device accepted it.
	Configure(mode Mode, bits uint8, speedHz uint32, order BitOrder) error

	// Write clocks tx out in a single transmit-only segment.
	Write(tx []byte) error

	// Read clocks n bytes in over a single receive-only segment.
	Read(n int) ([]byte, error)

	// WriteRead runs one bus transaction of two chained segments: tx is
	// transmitted with no concurrent receive, then readLen bytes are
	// received with no concurrent transmit. Chip select stays asserted
	// between the segments.
	WriteRead(tx []byte, readLen int) ([]byte, error)

	// WriteReadFullDuplex runs one segment transmitting tx while receiving
	// the same number of bytes. The caller must have room for len(tx)
	// bytes of response; the registry enforces that before delegating.
	WriteReadFullDuplex(tx []byte) ([]byte, error)

	// Close releases the underlying descriptor.
	Close() error
}
