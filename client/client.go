// Package client is the Go client for the spid daemon. One client is one
// session: every handle it opens is owned by it alone and is swept by the
// daemon when the client disconnects without closing.
package client

import (
	"net"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"

	"github.com/mangoh-io/spid/spi"
	"github.com/mangoh-io/spid/wire"
)

// Handle is an opaque token for one open device, valid only on the client
// that obtained it.
type Handle []byte

// Client is a connection to the spid daemon.
type Client struct {
	// mu serializes calls; the protocol is strict request-response per
	// session.
	mu   sync.Mutex
	conn net.Conn
	enc  *cbor.Encoder
	dec  *cbor.Decoder
}

// Dial connects to the daemon's socket.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, errors.Wrapf(err, "dialing spid at %q", socketPath)
	}
	return &Client{
		conn: conn,
		enc:  wire.NewEncoder(conn),
		dec:  wire.NewDecoder(conn),
	}, nil
}

// Disconnect closes the session. The daemon releases any handles still open.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close()
}

// roundTrip sends one request and reads its response. If the daemon severed
// the session (a protocol violation on our side), the read fails with an IO
// error rather than a result code.
func (c *Client) roundTrip(req *wire.Request) (wire.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enc.Encode(req); err != nil {
		return wire.Response{}, errors.Wrap(err, "sending request")
	}
	var resp wire.Response
	if err := c.dec.Decode(&resp); err != nil {
		return wire.Response{}, errors.Wrap(err, "session terminated by daemon")
	}
	return resp, nil
}

// Open opens the named device (no "/dev/" prefix) and returns its handle.
// Failures map onto the spi error taxonomy: spi.ErrNotFound,
// spi.ErrNotPermitted, spi.ErrDuplicate, spi.ErrBadParameter, spi.ErrFault.
func (c *Client) Open(name string) (Handle, error) {
	resp, err := c.roundTrip(&wire.Request{Op: wire.OpOpen, Name: name})
	if err != nil {
		return nil, err
	}
	if err := resp.Code.Err(); err != nil {
		return nil, errors.Wrapf(err, "open %q", name)
	}
	return Handle(resp.Handle), nil
}

// Close releases the handle. Closing a handle this session does not own
// terminates the session.
func (c *Client) Close(h Handle) error {
	resp, err := c.roundTrip(&wire.Request{Op: wire.OpClose, Handle: h})
	if err != nil {
		return err
	}
	return resp.Code.Err()
}

// Configure sets the device's mode, word size, clock speed, and bit order.
func (c *Client) Configure(h Handle, mode spi.Mode, bits uint8, speedHz uint32, order spi.BitOrder) error {
	resp, err := c.roundTrip(&wire.Request{
		Op:      wire.OpConfigure,
		Handle:  h,
		Mode:    int(mode),
		Bits:    bits,
		SpeedHz: speedHz,
		Order:   int(order),
	})
	if err != nil {
		return err
	}
	return resp.Code.Err()
}

// Write transmits data in a single half-duplex segment.
func (c *Client) Write(h Handle, data []byte) error {
	resp, err := c.roundTrip(&wire.Request{Op: wire.OpWrite, Handle: h, Data: data})
	if err != nil {
		return err
	}
	return resp.Code.Err()
}

// Read receives readLen bytes in a single half-duplex segment.
func (c *Client) Read(h Handle, readLen int) ([]byte, error) {
	resp, err := c.roundTrip(&wire.Request{Op: wire.OpRead, Handle: h, ReadLen: readLen})
	if err != nil {
		return nil, err
	}
	if err := resp.Code.Err(); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// WriteRead transmits tx and then receives readLen bytes as one bus
// transaction (half-duplex).
func (c *Client) WriteRead(h Handle, tx []byte, readLen int) ([]byte, error) {
	resp, err := c.roundTrip(&wire.Request{
		Op: wire.OpWriteRead, Handle: h, Data: tx, ReadLen: readLen,
	})
	if err != nil {
		return nil, err
	}
	if err := resp.Code.Err(); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// WriteReadFullDuplex transmits tx while receiving simultaneously. readLen
// is this caller's receive capacity and must be at least len(tx); violating
// that precondition terminates the session.
func (c *Client) WriteReadFullDuplex(h Handle, tx []byte, readLen int) ([]byte, error) {
	resp, err := c.roundTrip(&wire.Request{
		Op: wire.OpWriteReadFullDuplex, Handle: h, Data: tx, ReadLen: readLen,
	})
	if err != nil {
		return nil, err
	}
	if err := resp.Code.Err(); err != nil {
		return nil, err
	}
	return resp.Data, nil
}
