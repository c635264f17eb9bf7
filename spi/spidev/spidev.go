//go:build linux

// Package spidev drives Linux spidev character devices. It is the production
// transfer layer behind the spi registry: it opens /dev nodes, programs the
// link parameters with write-then-verify ioctls, and runs half- and
// full-duplex transactions as chained spi_ioc_transfer segments.
package spidev

import (
	"os"
	"runtime"
	"unsafe"

	"github.com/pkg/errors"

	"github.com/mangoh-io/spid/spi"
)

// Bus opens spidev nodes. The zero value is usable.
type Bus struct{}

// NewBus returns a spidev bus.
func NewBus() *Bus {
	return &Bus{}
}

// Open implements spi.Bus.
func (*Bus) Open(path string) (spi.Conn, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	return &conn{f: f}, nil
}

// conn holds one open spidev descriptor. It carries no transfer state; mode,
// speed, word size, and bit order all live in the device's registers.
type conn struct {
	f *os.File
}

// setVerifyU8 writes an 8-bit link parameter and reads it back. A write
// failure, read failure, or mismatch all mean the bus is not in the state the
// caller asked for, so any of them fails the configure.
func (c *conn) setVerifyU8(wrReq, rdReq uintptr, val uint8, what string) error {
	fd := c.f.Fd()
	if err := ioctl(fd, wrReq, unsafe.Pointer(&val)); err != nil {
		return errors.Wrapf(err, "setting %s to %d", what, val)
	}
	var got uint8
	if err := ioctl(fd, rdReq, unsafe.Pointer(&got)); err != nil {
		return errors.Wrapf(err, "reading back %s", what)
	}
	if got != val {
		return errors.Errorf("%s readback mismatch: wrote %d, read %d", what, val, got)
	}
	return nil
}

func (c *conn) setVerifyU32(wrReq, rdReq uintptr, val uint32, what string) error {
	fd := c.f.Fd()
	if err := ioctl(fd, wrReq, unsafe.Pointer(&val)); err != nil {
		return errors.Wrapf(err, "setting %s to %d", what, val)
	}
	var got uint32
	if err := ioctl(fd, rdReq, unsafe.Pointer(&got)); err != nil {
		return errors.Wrapf(err, "reading back %s", what)
	}
	if got != val {
		return errors.Errorf("%s readback mismatch: wrote %d, read %d", what, val, got)
	}
	return nil
}

// Configure implements spi.Conn. Each of mode, bit order, word size, and
// speed is written and then read back; the first failure aborts the whole
// call.
func (c *conn) Configure(mode spi.Mode, bits uint8, speedHz uint32, order spi.BitOrder) error {
	if err := c.setVerifyU8(spiIOCWrMode, spiIOCRdMode, uint8(mode), "mode"); err != nil {
		return err
	}
	var lsb uint8
	if order == spi.LSBFirst {
		lsb = 1
	}
	if err := c.setVerifyU8(spiIOCWrLSBFirst, spiIOCRdLSBFirst, lsb, "bit order"); err != nil {
		return err
	}
	if err := c.setVerifyU8(spiIOCWrBitsPerWord, spiIOCRdBitsPerWord, bits, "bits per word"); err != nil {
		return err
	}
	return c.setVerifyU32(spiIOCWrMaxSpeedHz, spiIOCRdMaxSpeedHz, speedHz, "max speed")
}

// transact runs segs as one bus transaction and applies the fault policy: an
// errno or fewer than one completed operation is a failure.
func (c *conn) transact(segs []spiTransfer, keepAlive ...[]byte) error {
	n, err := ioctlMessage(c.f.Fd(), segs)
	for _, buf := range keepAlive {
		runtime.KeepAlive(buf)
	}
	if err != nil {
		return errors.Wrap(err, "transfer failed")
	}
	if n < 1 {
		return errors.Errorf("transfer completed %d operations", n)
	}
	return nil
}

// Write implements spi.Conn.
func (c *conn) Write(tx []byte) error {
	if len(tx) == 0 {
		return errors.New("empty write buffer")
	}
	seg := spiTransfer{
		txBuf:  uint64(uintptr(unsafe.Pointer(&tx[0]))),
		length: uint32(len(tx)),
	}
	return c.transact([]spiTransfer{seg}, tx)
}

// Read implements spi.Conn.
func (c *conn) Read(n int) ([]byte, error) {
	if n <= 0 {
		return nil, errors.Errorf("invalid read length %d", n)
	}
	rx := make([]byte, n)
	seg := spiTransfer{
		rxBuf:  uint64(uintptr(unsafe.Pointer(&rx[0]))),
		length: uint32(n),
	}
	if err := c.transact([]spiTransfer{seg}, rx); err != nil {
		return nil, err
	}
	return rx, nil
}

// WriteRead implements spi.Conn: a transmit-only segment chained to a
// receive-only segment, with chip select held between them.
func (c *conn) WriteRead(tx []byte, readLen int) ([]byte, error) {
	if len(tx) == 0 {
		return nil, errors.New("empty write buffer")
	}
	if readLen <= 0 {
		return nil, errors.Errorf("invalid read length %d", readLen)
	}
	rx := make([]byte, readLen)
	segs := []spiTransfer{
		{
			txBuf:  uint64(uintptr(unsafe.Pointer(&tx[0]))),
			length: uint32(len(tx)),
		},
		{
			rxBuf:  uint64(uintptr(unsafe.Pointer(&rx[0]))),
			length: uint32(readLen),
		},
	}
	if err := c.transact(segs, tx, rx); err != nil {
		return nil, err
	}
	return rx, nil
}

// WriteReadFullDuplex implements spi.Conn: one segment transmitting and
// receiving simultaneously.
func (c *conn) WriteReadFullDuplex(tx []byte) ([]byte, error) {
	if len(tx) == 0 {
		return nil, errors.New("empty write buffer")
	}
	rx := make([]byte, len(tx))
	seg := spiTransfer{
		txBuf:  uint64(uintptr(unsafe.Pointer(&tx[0]))),
		rxBuf:  uint64(uintptr(unsafe.Pointer(&rx[0]))),
		length: uint32(len(tx)),
	}
	if err := c.transact([]spiTransfer{seg}, tx, rx); err != nil {
		return nil, err
	}
	return rx, nil
}

// Close implements spi.Conn.
func (c *conn) Close() error {
	return c.f.Close()
}
