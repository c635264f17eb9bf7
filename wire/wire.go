// Package wire defines the CBOR request/response frames exchanged between
// the spid daemon and its clients over the local socket, and the mapping
// between wire result codes and the spi error taxonomy.
package wire

import (
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"

	"github.com/mangoh-io/spid/spi"
)

// Op identifies a request operation.
type Op uint8

// Request operations.
const (
	OpOpen Op = iota + 1
	OpClose
	OpConfigure
	OpWrite
	OpRead
	OpWriteRead
	OpWriteReadFullDuplex
)

func (o Op) String() string {
	switch o {
	case OpOpen:
		return "open"
	case OpClose:
		return "close"
	case OpConfigure:
		return "configure"
	case OpWrite:
		return "write"
	case OpRead:
		return "read"
	case OpWriteRead:
		return "write-read"
	case OpWriteReadFullDuplex:
		return "write-read-full-duplex"
	default:
		return "unknown"
	}
}

// Code is a wire result code. Protocol violations have no code: the server
// terminates the offending session instead of answering.
type Code uint8

// Wire result codes.
const (
	CodeOK Code = iota
	CodeBadParameter
	CodeNotFound
	CodeNotPermitted
	CodeDuplicate
	CodeFault
)

// CodeFromError maps a registry error onto a wire code. The second return is
// false for protocol violations, which must never be answered.
func CodeFromError(err error) (Code, bool) {
	switch {
	case err == nil:
		return CodeOK, true
	case errors.Is(err, spi.ErrProtocolViolation):
		return CodeFault, false
	case errors.Is(err, spi.ErrBadParameter):
		return CodeBadParameter, true
	case errors.Is(err, spi.ErrNotFound):
		return CodeNotFound, true
	case errors.Is(err, spi.ErrNotPermitted):
		return CodeNotPermitted, true
	case errors.Is(err, spi.ErrDuplicate):
		return CodeDuplicate, true
	default:
		return CodeFault, true
	}
}

// Err maps a wire code back onto the spi error taxonomy.
func (c Code) Err() error {
	switch c {
	case CodeOK:
		return nil
	case CodeBadParameter:
		return spi.ErrBadParameter
	case CodeNotFound:
		return spi.ErrNotFound
	case CodeNotPermitted:
		return spi.ErrNotPermitted
	case CodeDuplicate:
		return spi.ErrDuplicate
	case CodeFault:
		return spi.ErrFault
	default:
		return errors.Wrapf(spi.ErrFault, "unknown result code %d", c)
	}
}

// Request is one client call.
type Request struct {
	Op      Op     `cbor:"op"`
	Name    string `cbor:"name,omitempty"`
	Handle  []byte `cbor:"handle,omitempty"`
	Mode    int    `cbor:"mode,omitempty"`
	Bits    uint8  `cbor:"bits,omitempty"`
	SpeedHz uint32 `cbor:"speed_hz,omitempty"`
	Order   int    `cbor:"order,omitempty"`
	Data    []byte `cbor:"data,omitempty"`
	ReadLen int    `cbor:"read_len,omitempty"`
}

// Response is the server's answer to one request.
type Response struct {
	Code   Code   `cbor:"code"`
	Handle []byte `cbor:"handle,omitempty"`
	Data   []byte `cbor:"data,omitempty"`
}

// Frames are CBOR with deterministic encoding: the same logical frame always
// produces identical bytes. Unknown fields are ignored on decode so older
// peers tolerate newer frames.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("wire: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("wire: CBOR decoder initialization failed: " + err.Error())
	}
}

// NewEncoder returns a frame encoder writing to w.
func NewEncoder(w io.Writer) *cbor.Encoder {
	return encMode.NewEncoder(w)
}

// NewDecoder returns a frame decoder reading from r.
func NewDecoder(r io.Reader) *cbor.Decoder {
	return decMode.NewDecoder(r)
}
