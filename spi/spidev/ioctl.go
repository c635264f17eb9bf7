//go:build linux

package spidev

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// spidev ioctl request numbers from linux/spi/spidev.h.
const (
	spiIOCRdMode        = 0x80016B01
	spiIOCWrMode        = 0x40016B01
	spiIOCRdLSBFirst    = 0x80016B02
	spiIOCWrLSBFirst    = 0x40016B02
	spiIOCRdBitsPerWord = 0x80016B03
	spiIOCWrBitsPerWord = 0x40016B03
	spiIOCRdMaxSpeedHz  = 0x80046B04
	spiIOCWrMaxSpeedHz  = 0x40046B04

	// SPI_IOC_MESSAGE(n): the request encodes the byte size of the
	// transfer array in bits 16-29.
	spiIOCMessageBase = 0x40006B00
	spiIOCMessageIncr = 0x200000
)

// spiIOCMessage builds the SPI_IOC_MESSAGE(n) request for a chain of n
// transfer segments.
func spiIOCMessage(n int) uintptr {
	return uintptr(spiIOCMessageBase + n*spiIOCMessageIncr)
}

// spiTransfer mirrors struct spi_ioc_transfer. The kernel executes a chain
// of these as one bus transaction; chip select stays asserted between
// segments unless csChange is set on the earlier one.
type spiTransfer struct {
	txBuf          uint64
	rxBuf          uint64
	length         uint32
	speedHz        uint32
	delayUsecs     uint16
	bitsPerWord    uint8
	csChange       uint8
	txNbits        uint8
	rxNbits        uint8
	wordDelayUsecs uint8
	pad            uint8
}

// ioctl issues a single ioctl against fd, treating a zero errno as success.
func ioctl(fd uintptr, request uintptr, data unsafe.Pointer) error {
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, request, uintptr(data)); errno != 0 {
		return errno
	}
	return nil
}

// ioctlMessage issues SPI_IOC_MESSAGE for segs and returns the number of
// bytes the kernel reports transferred.
func ioctlMessage(fd uintptr, segs []spiTransfer) (int, error) {
	n, _, errno := unix.Syscall(
		unix.SYS_IOCTL, fd, spiIOCMessage(len(segs)), uintptr(unsafe.Pointer(&segs[0])))
	if errno != 0 {
		return 0, errno
	}
	return int(n), nil
}
