package wire

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"
	"go.viam.com/test"

	"github.com/mangoh-io/spid/spi"
)

func TestCodeMapping(t *testing.T) {
	for _, tc := range []struct {
		err  error
		code Code
	}{
		{nil, CodeOK},
		{spi.ErrBadParameter, CodeBadParameter},
		{spi.ErrNotFound, CodeNotFound},
		{spi.ErrNotPermitted, CodeNotPermitted},
		{spi.ErrDuplicate, CodeDuplicate},
		{spi.ErrFault, CodeFault},
		{errors.New("unclassified"), CodeFault},
	} {
		code, answerable := CodeFromError(tc.err)
		test.That(t, code, test.ShouldEqual, tc.code)
		test.That(t, answerable, test.ShouldBeTrue)
	}

	// Wrapped errors classify by their sentinel.
	code, answerable := CodeFromError(errors.Wrap(spi.ErrDuplicate, "spidev0.0"))
	test.That(t, code, test.ShouldEqual, CodeDuplicate)
	test.That(t, answerable, test.ShouldBeTrue)

	// Protocol violations are never answerable.
	_, answerable = CodeFromError(errors.Wrap(spi.ErrProtocolViolation, "foreign handle"))
	test.That(t, answerable, test.ShouldBeFalse)
}

func TestCodeErrRoundTrip(t *testing.T) {
	for _, code := range []Code{
		CodeBadParameter, CodeNotFound, CodeNotPermitted, CodeDuplicate, CodeFault,
	} {
		mapped, answerable := CodeFromError(code.Err())
		test.That(t, answerable, test.ShouldBeTrue)
		test.That(t, mapped, test.ShouldEqual, code)
	}
	test.That(t, CodeOK.Err(), test.ShouldBeNil)
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	dec := NewDecoder(&buf)

	sent := Request{
		Op:      OpWriteRead,
		Handle:  bytes.Repeat([]byte{0xAB}, 16),
		Data:    []byte{0x9F, 0x00},
		ReadLen: 3,
	}
	test.That(t, enc.Encode(&sent), test.ShouldBeNil)

	var got Request
	test.That(t, dec.Decode(&got), test.ShouldBeNil)
	test.That(t, got, test.ShouldResemble, sent)

	// Back-to-back frames decode in order off one stream.
	test.That(t, enc.Encode(&Request{Op: OpClose, Handle: sent.Handle}), test.ShouldBeNil)
	test.That(t, enc.Encode(&Request{Op: OpOpen, Name: "spidev0.0"}), test.ShouldBeNil)
	var first, second Request
	test.That(t, dec.Decode(&first), test.ShouldBeNil)
	test.That(t, dec.Decode(&second), test.ShouldBeNil)
	test.That(t, first.Op, test.ShouldEqual, OpClose)
	test.That(t, second.Op, test.ShouldEqual, OpOpen)
	test.That(t, second.Name, test.ShouldEqual, "spidev0.0")
}
