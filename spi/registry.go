package spi

import (
	"io/fs"
	"path/filepath"
	"strings"
	"sync"

	"github.com/edaniels/golog"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// devicePathMax bounds the combined device path, matching the fixed buffer
// the original service used. Oversized names are a caller error, never a
// truncation.
const devicePathMax = 256

type deviceHandle struct {
	// mu serializes transfers against release of the descriptor. Transfers
	// on different handles proceed concurrently.
	mu     sync.Mutex
	conn   Conn
	inode  uint64
	owner  SessionID
	path   string
	closed bool
}

// Registry owns all live device handles in the process. It enforces at most
// one live handle per physical device (inode) and exactly one owning session
// per handle, and it never polls sessions: the boundary layer reports each
// disconnect exactly once via SweepSession.
type Registry struct {
	mu      sync.RWMutex
	handles map[Handle]*deviceHandle
	bus     Bus
	devDir  string
	logger  golog.Logger
}

// NewRegistry returns a registry resolving device names under devDir and
// opening them through bus.
func NewRegistry(bus Bus, devDir string, logger golog.Logger) *Registry {
	return &Registry{
		handles: map[Handle]*deviceHandle{},
		bus:     bus,
		devDir:  devDir,
		logger:  logger,
	}
}

// NumHandles returns the number of live handles.
func (r *Registry) NumHandles() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}

// devicePath joins name under the registry's device directory. The joined
// path is cleaned, must stay inside the directory, and must fit the bounded
// path length.
func (r *Registry) devicePath(name string) (string, error) {
	if name == "" {
		return "", errors.Wrap(ErrBadParameter, "empty device name")
	}
	path := filepath.Join(r.devDir, name)
	if len(path) > devicePathMax {
		return "", errors.Wrapf(ErrBadParameter, "device name too long (%d bytes)", len(name))
	}
	if !strings.HasPrefix(path, r.devDir+string(filepath.Separator)) {
		return "", errors.Wrapf(ErrBadParameter, "device name %q escapes device directory", name)
	}
	return path, nil
}

// classifyOSError maps an open/stat failure onto the result taxonomy.
func classifyOSError(err error, op, path string) error {
	var sentinel error
	switch {
	case errors.Is(err, fs.ErrNotExist):
		sentinel = ErrNotFound
	case errors.Is(err, fs.ErrPermission):
		sentinel = ErrNotPermitted
	default:
		sentinel = ErrFault
	}
	return errors.Wrapf(sentinel, "%s %q: %s", op, path, err)
}

// Open resolves name under the device directory, derives the device identity
// from the node's inode, and opens it if no live handle already covers that
// identity. The duplicate check applies across all sessions, including the
// caller's own: the model is one handle per device, not per client. A failed
// open allocates nothing.
func (r *Registry) Open(owner SessionID, name string) (Handle, error) {
	path, err := r.devicePath(name)
	if err != nil {
		return NilHandle, err
	}

	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return NilHandle, classifyOSError(err, "stat", path)
	}
	inode := st.Ino

	// Duplicate check, open, and insert are atomic with respect to other
	// opens, so concurrent opens of one device yield exactly one handle.
	r.mu.Lock()
	defer r.mu.Unlock()

	for h, d := range r.handles {
		if d.inode == inode {
			return NilHandle, errors.Wrapf(ErrDuplicate,
				"device %q already open as %s by session %s", path, h, d.owner)
		}
	}

	conn, err := r.bus.Open(path)
	if err != nil {
		return NilHandle, classifyOSError(err, "open", path)
	}

	h := Handle(uuid.New())
	r.handles[h] = &deviceHandle{
		conn:  conn,
		inode: inode,
		owner: owner,
		path:  path,
	}
	r.logger.Debugw("opened device", "path", path, "handle", h, "session", owner)
	return h, nil
}

// lookupOwned gates every per-handle operation. An unknown token or a token
// owned by another session is a protocol violation: tokens are only ever
// issued by Open to the session that called it, so a mismatch means the
// caller is misbehaving, not that it hit a normal error.
func (r *Registry) lookupOwned(owner SessionID, h Handle) (*deviceHandle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.handles[h]
	if !ok {
		return nil, errors.Wrapf(ErrProtocolViolation, "unknown handle %s", h)
	}
	if d.owner != owner {
		return nil, errors.Wrapf(ErrProtocolViolation,
			"handle %s is not owned by session %s", h, owner)
	}
	return d, nil
}

// Close releases the handle and removes it from the registry. Closing a
// handle the caller does not own is a protocol violation and leaves the
// actual owner's handle untouched. The registry entry is removed even if the
// descriptor does not release cleanly; that failure is logged and swallowed
// so the bookkeeping stays consistent.
func (r *Registry) Close(owner SessionID, h Handle) error {
	r.mu.Lock()
	d, ok := r.handles[h]
	if !ok {
		r.mu.Unlock()
		return errors.Wrapf(ErrProtocolViolation, "unknown handle %s", h)
	}
	if d.owner != owner {
		r.mu.Unlock()
		return errors.Wrapf(ErrProtocolViolation,
			"cannot close handle %s: not owned by session %s", h, owner)
	}
	delete(r.handles, h)
	r.mu.Unlock()

	r.release(h, d)
	return nil
}

// release closes the underlying descriptor once the handle is already out of
// the map. Runs after any in-flight transfer on the handle drains.
func (r *Registry) release(h Handle, d *deviceHandle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	if err := d.conn.Close(); err != nil {
		r.logger.Warnw("device descriptor did not close cleanly",
			"handle", h, "path", d.path, "error", err)
	}
}

// Configure sets the device's mode, word size, clock speed, and bit order.
func (r *Registry) Configure(owner SessionID, h Handle, mode Mode, bits uint8, speedHz uint32, order BitOrder) error {
	d, err := r.lookupOwned(owner, h)
	if err != nil {
		return err
	}
	if mode < Mode0 || mode > Mode3 {
		return errors.Wrapf(ErrBadParameter, "invalid SPI mode %d", mode)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errors.Wrapf(ErrProtocolViolation, "handle %s already released", h)
	}
	if err := d.conn.Configure(mode, bits, speedHz, order); err != nil {
		return errors.Wrapf(ErrFault, "configure %q: %s", d.path, err)
	}
	return nil
}

// Write transmits data in a single half-duplex segment.
func (r *Registry) Write(owner SessionID, h Handle, tx []byte) error {
	d, err := r.lookupOwned(owner, h)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errors.Wrapf(ErrProtocolViolation, "handle %s already released", h)
	}
	if err := d.conn.Write(tx); err != nil {
		return errors.Wrapf(ErrFault, "write %q: %s", d.path, err)
	}
	return nil
}

// Read receives readLen bytes in a single half-duplex segment.
func (r *Registry) Read(owner SessionID, h Handle, readLen int) ([]byte, error) {
	d, err := r.lookupOwned(owner, h)
	if err != nil {
		return nil, err
	}
	if readLen < 0 {
		return nil, errors.Wrapf(ErrBadParameter, "negative read length %d", readLen)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, errors.Wrapf(ErrProtocolViolation, "handle %s already released", h)
	}
	rx, err := d.conn.Read(readLen)
	if err != nil {
		return nil, errors.Wrapf(ErrFault, "read %q: %s", d.path, err)
	}
	return rx, nil
}

// WriteRead runs a half-duplex write followed by a half-duplex read as one
// bus transaction.
func (r *Registry) WriteRead(owner SessionID, h Handle, tx []byte, readLen int) ([]byte, error) {
	d, err := r.lookupOwned(owner, h)
	if err != nil {
		return nil, err
	}
	if readLen < 0 {
		return nil, errors.Wrapf(ErrBadParameter, "negative read length %d", readLen)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, errors.Wrapf(ErrProtocolViolation, "handle %s already released", h)
	}
	rx, err := d.conn.WriteRead(tx, readLen)
	if err != nil {
		return nil, errors.Wrapf(ErrFault, "write-read %q: %s", d.path, err)
	}
	return rx, nil
}

// WriteReadFullDuplex transmits tx while simultaneously receiving the same
// number of bytes. readLen is the caller's receive capacity; a capacity
// smaller than the transmit length is a fatal precondition failure detected
// before any transfer is attempted.
func (r *Registry) WriteReadFullDuplex(owner SessionID, h Handle, tx []byte, readLen int) ([]byte, error) {
	d, err := r.lookupOwned(owner, h)
	if err != nil {
		return nil, err
	}
	if readLen < len(tx) {
		return nil, errors.Wrapf(ErrProtocolViolation,
			"full-duplex read capacity %d is less than write length %d", readLen, len(tx))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, errors.Wrapf(ErrProtocolViolation, "handle %s already released", h)
	}
	rx, err := d.conn.WriteReadFullDuplex(tx)
	if err != nil {
		return nil, errors.Wrapf(ErrFault, "full-duplex write-read %q: %s", d.path, err)
	}
	return rx, nil
}

// SweepSession releases every handle owned by the given session. The
// boundary layer calls it exactly once per disconnect, after the session can
// no longer issue requests. Collection and removal happen atomically under
// the registry lock, so the sweep cannot skip an entry or race a concurrent
// open into a half-swept state; a second sweep for the same session finds
// nothing and is a no-op.
func (r *Registry) SweepSession(owner SessionID) {
	r.mu.Lock()
	var swept []Handle
	var victims []*deviceHandle
	for h, d := range r.handles {
		if d.owner == owner {
			delete(r.handles, h)
			swept = append(swept, h)
			victims = append(victims, d)
		}
	}
	r.mu.Unlock()

	for i, d := range victims {
		r.release(swept[i], d)
	}
	if len(swept) > 0 {
		r.logger.Infow("swept handles for disconnected session",
			"session", owner, "count", len(swept))
	}
}
