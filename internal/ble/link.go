package ble

import (
	"context"
	"sync"
)

// link is one live connection handle plus its selected write target. The
// session loop owns it; the transfer worker only borrows it. Writes hold the
// read lock so close never races an in-flight write.
type link struct {
	conn   Connection
	ctx    context.Context // cancelled when the link is torn down
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
	write  Characteristic
}

func newLink(parent context.Context, conn Connection) *link {
	ctx, cancel := context.WithCancel(parent)
	return &link{conn: conn, ctx: ctx, cancel: cancel}
}

func (l *link) setWriteTarget(c Characteristic) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.write = c
}

func (l *link) hasWriteTarget() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.write != nil
}

// send writes data to the selected characteristic unless the link is closed.
func (l *link) send(data []byte) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrInterrupted
	}
	if l.write == nil {
		return ErrNoWritableCharacteristic
	}
	return l.write.Write(data)
}

// close releases the connection handle. Only the first call disconnects.
func (l *link) close() error {
	l.cancel()
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	l.write = nil
	return l.conn.Disconnect()
}
