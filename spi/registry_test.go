package spi_test

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"github.com/mangoh-io/spid/spi"
	"github.com/mangoh-io/spid/spi/fake"
)

func newTestRegistry(t *testing.T) (*spi.Registry, *fake.Bus, string) {
	t.Helper()
	devDir := t.TempDir()
	bus := fake.NewBus()
	return spi.NewRegistry(bus, devDir, golog.NewTestLogger(t)), bus, devDir
}

func mkDevice(t *testing.T, devDir, name string) {
	t.Helper()
	test.That(t, os.WriteFile(filepath.Join(devDir, name), nil, 0o600), test.ShouldBeNil)
}

func TestOpen(t *testing.T) {
	r, _, devDir := newTestRegistry(t)
	mkDevice(t, devDir, "spidev0.0")
	mkDevice(t, devDir, "spidev0.1")
	session := spi.NewSessionID()

	h0, err := r.Open(session, "spidev0.0")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, h0, test.ShouldNotEqual, spi.NilHandle)

	h1, err := r.Open(session, "spidev0.1")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, h1, test.ShouldNotEqual, h0)
	test.That(t, r.NumHandles(), test.ShouldEqual, 2)
}

func TestOpenBadParameter(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	session := spi.NewSessionID()

	_, err := r.Open(session, "")
	test.That(t, err, test.ShouldWrap, spi.ErrBadParameter)

	_, err = r.Open(session, strings.Repeat("x", 300))
	test.That(t, err, test.ShouldWrap, spi.ErrBadParameter)

	_, err = r.Open(session, "../../etc/passwd")
	test.That(t, err, test.ShouldWrap, spi.ErrBadParameter)
}

func TestOpenNotFound(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	_, err := r.Open(spi.NewSessionID(), "nonexistent")
	test.That(t, err, test.ShouldWrap, spi.ErrNotFound)
	test.That(t, r.NumHandles(), test.ShouldEqual, 0)
}

func TestOpenErrnoMapping(t *testing.T) {
	r, bus, devDir := newTestRegistry(t)
	mkDevice(t, devDir, "spidev0.0")
	session := spi.NewSessionID()

	bus.SetOpenErr(fs.ErrPermission)
	_, err := r.Open(session, "spidev0.0")
	test.That(t, err, test.ShouldWrap, spi.ErrNotPermitted)

	bus.SetOpenErr(fs.ErrNotExist)
	_, err = r.Open(session, "spidev0.0")
	test.That(t, err, test.ShouldWrap, spi.ErrNotFound)

	bus.SetOpenErr(os.ErrDeadlineExceeded)
	_, err = r.Open(session, "spidev0.0")
	test.That(t, err, test.ShouldWrap, spi.ErrFault)

	// No failed open left an entry behind.
	test.That(t, r.NumHandles(), test.ShouldEqual, 0)

	bus.SetOpenErr(nil)
	_, err = r.Open(session, "spidev0.0")
	test.That(t, err, test.ShouldBeNil)
}

func TestOpenDuplicate(t *testing.T) {
	r, _, devDir := newTestRegistry(t)
	mkDevice(t, devDir, "spidev0.0")
	sessionA := spi.NewSessionID()
	sessionB := spi.NewSessionID()

	_, err := r.Open(sessionA, "spidev0.0")
	test.That(t, err, test.ShouldBeNil)

	t.Run("same device, other session", func(t *testing.T) {
		_, err := r.Open(sessionB, "spidev0.0")
		test.That(t, err, test.ShouldWrap, spi.ErrDuplicate)
	})

	t.Run("same device, same session", func(t *testing.T) {
		// One handle per device, not one per device per client.
		_, err := r.Open(sessionA, "spidev0.0")
		test.That(t, err, test.ShouldWrap, spi.ErrDuplicate)
	})

	t.Run("aliased path resolves to same inode", func(t *testing.T) {
		test.That(t, os.Link(
			filepath.Join(devDir, "spidev0.0"),
			filepath.Join(devDir, "alias"),
		), test.ShouldBeNil)
		_, err := r.Open(sessionB, "alias")
		test.That(t, err, test.ShouldWrap, spi.ErrDuplicate)
	})

	test.That(t, r.NumHandles(), test.ShouldEqual, 1)
}

func TestConcurrentOpenExclusivity(t *testing.T) {
	r, _, devDir := newTestRegistry(t)
	mkDevice(t, devDir, "spidev0.0")

	const attempts = 16
	results := make([]error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = r.Open(spi.NewSessionID(), "spidev0.0")
		}(i)
	}
	wg.Wait()

	var ok, dup int
	for _, err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, spi.ErrDuplicate):
			dup++
		}
	}
	test.That(t, ok, test.ShouldEqual, 1)
	test.That(t, dup, test.ShouldEqual, attempts-1)
	test.That(t, r.NumHandles(), test.ShouldEqual, 1)
}

func TestOwnership(t *testing.T) {
	r, bus, devDir := newTestRegistry(t)
	mkDevice(t, devDir, "spidev0.0")
	sessionA := spi.NewSessionID()
	sessionB := spi.NewSessionID()

	h, err := r.Open(sessionA, "spidev0.0")
	test.That(t, err, test.ShouldBeNil)

	// Every per-handle operation by a non-owner is a protocol violation.
	test.That(t, r.Close(sessionB, h), test.ShouldWrap, spi.ErrProtocolViolation)
	test.That(t, r.Configure(sessionB, h, spi.Mode0, 8, 1_000_000, spi.MSBFirst),
		test.ShouldWrap, spi.ErrProtocolViolation)
	test.That(t, r.Write(sessionB, h, []byte{0x01}), test.ShouldWrap, spi.ErrProtocolViolation)
	_, err = r.Read(sessionB, h, 2)
	test.That(t, err, test.ShouldWrap, spi.ErrProtocolViolation)
	_, err = r.WriteRead(sessionB, h, []byte{0x01}, 2)
	test.That(t, err, test.ShouldWrap, spi.ErrProtocolViolation)

	// The owner's handle is unaffected.
	test.That(t, r.NumHandles(), test.ShouldEqual, 1)
	test.That(t, r.Write(sessionA, h, []byte{0x02}), test.ShouldBeNil)
	test.That(t, bus.Conns()[0].Closed(), test.ShouldBeFalse)

	// An unknown token is a violation too.
	test.That(t, r.Close(sessionA, spi.NilHandle), test.ShouldWrap, spi.ErrProtocolViolation)
}

func TestTransfers(t *testing.T) {
	r, bus, devDir := newTestRegistry(t)
	mkDevice(t, devDir, "spidev0.0")
	session := spi.NewSessionID()

	h, err := r.Open(session, "spidev0.0")
	test.That(t, err, test.ShouldBeNil)

	test.That(t, r.Configure(session, h, spi.Mode3, 8, 500_000, spi.LSBFirst), test.ShouldBeNil)
	conn := bus.Conns()[0]
	mode, bits, speedHz, order := conn.Settings()
	test.That(t, mode, test.ShouldEqual, spi.Mode3)
	test.That(t, bits, test.ShouldEqual, 8)
	test.That(t, speedHz, test.ShouldEqual, 500_000)
	test.That(t, order, test.ShouldEqual, spi.LSBFirst)

	test.That(t, r.Configure(session, h, spi.Mode(7), 8, 500_000, spi.MSBFirst),
		test.ShouldWrap, spi.ErrBadParameter)

	test.That(t, r.Write(session, h, []byte{0x9F}), test.ShouldBeNil)

	rx, err := r.Read(session, h, 3)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, rx, test.ShouldResemble, []byte{0xA5, 0xA5, 0xA5})

	rx, err = r.WriteRead(session, h, []byte{0x9F}, 2)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(rx), test.ShouldEqual, 2)

	conn.SetTransferErr(errors.New("bus wedged"))
	test.That(t, r.Write(session, h, []byte{0x01}), test.ShouldWrap, spi.ErrFault)
	_, err = r.WriteRead(session, h, []byte{0x01}, 1)
	test.That(t, err, test.ShouldWrap, spi.ErrFault)
	test.That(t, r.Configure(session, h, spi.Mode0, 8, 1_000_000, spi.MSBFirst),
		test.ShouldWrap, spi.ErrFault)
}

func TestFullDuplexPrecondition(t *testing.T) {
	r, bus, devDir := newTestRegistry(t)
	mkDevice(t, devDir, "spidev0.0")
	session := spi.NewSessionID()

	h, err := r.Open(session, "spidev0.0")
	test.That(t, err, test.ShouldBeNil)

	before := len(bus.Conns()[0].Transfers())
	_, err = r.WriteReadFullDuplex(session, h, []byte{1, 2, 3}, 2)
	test.That(t, err, test.ShouldWrap, spi.ErrProtocolViolation)
	// Rejected before any transfer was attempted.
	test.That(t, len(bus.Conns()[0].Transfers()), test.ShouldEqual, before)

	rx, err := r.WriteReadFullDuplex(session, h, []byte{1, 2, 3}, 3)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(rx), test.ShouldEqual, 3)
}

func TestClose(t *testing.T) {
	r, bus, devDir := newTestRegistry(t)
	mkDevice(t, devDir, "spidev0.0")
	session := spi.NewSessionID()

	h, err := r.Open(session, "spidev0.0")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, r.Close(session, h), test.ShouldBeNil)
	test.That(t, r.NumHandles(), test.ShouldEqual, 0)
	test.That(t, bus.Conns()[0].Closed(), test.ShouldBeTrue)

	// A released token is invalid for all further operations.
	test.That(t, r.Write(session, h, []byte{0x01}), test.ShouldWrap, spi.ErrProtocolViolation)
	test.That(t, r.Close(session, h), test.ShouldWrap, spi.ErrProtocolViolation)

	// The device is openable again, and the fresh token never collides
	// with the released one.
	h2, err := r.Open(session, "spidev0.0")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, h2, test.ShouldNotEqual, h)
}

func TestCloseReleaseErrorSwallowed(t *testing.T) {
	r, bus, devDir := newTestRegistry(t)
	mkDevice(t, devDir, "spidev0.0")
	session := spi.NewSessionID()

	h, err := r.Open(session, "spidev0.0")
	test.That(t, err, test.ShouldBeNil)
	bus.Conns()[0].SetCloseErr(errors.New("release failed"))

	// Bookkeeping wins: the entry is removed even though the descriptor
	// errored on release, and the device is immediately reopenable.
	test.That(t, r.Close(session, h), test.ShouldBeNil)
	test.That(t, r.NumHandles(), test.ShouldEqual, 0)
	_, err = r.Open(session, "spidev0.0")
	test.That(t, err, test.ShouldBeNil)
}

func TestSweepSession(t *testing.T) {
	r, bus, devDir := newTestRegistry(t)
	for _, name := range []string{"spidev0.0", "spidev0.1", "spidev1.0"} {
		mkDevice(t, devDir, name)
	}
	doomed := spi.NewSessionID()
	survivor := spi.NewSessionID()

	_, err := r.Open(doomed, "spidev0.0")
	test.That(t, err, test.ShouldBeNil)
	_, err = r.Open(doomed, "spidev0.1")
	test.That(t, err, test.ShouldBeNil)
	hs, err := r.Open(survivor, "spidev1.0")
	test.That(t, err, test.ShouldBeNil)

	r.SweepSession(doomed)

	// All of the disconnected session's handles are gone; the survivor's
	// handle is untouched.
	test.That(t, r.NumHandles(), test.ShouldEqual, 1)
	test.That(t, r.Write(survivor, hs, []byte{0x01}), test.ShouldBeNil)
	test.That(t, bus.Conns()[0].Closed(), test.ShouldBeTrue)
	test.That(t, bus.Conns()[1].Closed(), test.ShouldBeTrue)
	test.That(t, bus.Conns()[2].Closed(), test.ShouldBeFalse)

	// The swept devices are openable by a fresh session.
	fresh := spi.NewSessionID()
	_, err = r.Open(fresh, "spidev0.0")
	test.That(t, err, test.ShouldBeNil)
	_, err = r.Open(fresh, "spidev0.1")
	test.That(t, err, test.ShouldBeNil)

	// A second sweep for an already-swept session is a no-op.
	r.SweepSession(doomed)
	test.That(t, r.NumHandles(), test.ShouldEqual, 3)
}

func TestOpenCloseReopenScenario(t *testing.T) {
	r, _, devDir := newTestRegistry(t)
	mkDevice(t, devDir, "spidev0.0")
	first := spi.NewSessionID()
	second := spi.NewSessionID()

	h, err := r.Open(first, "spidev0.0")
	test.That(t, err, test.ShouldBeNil)

	_, err = r.Open(second, "spidev0.0")
	test.That(t, err, test.ShouldWrap, spi.ErrDuplicate)

	test.That(t, r.Close(first, h), test.ShouldBeNil)

	_, err = r.Open(second, "spidev0.0")
	test.That(t, err, test.ShouldBeNil)
}
