package identity

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rewired-gh/recyclekiosk/internal/models"
)

// ErrNoToken means no token is in range of the reader.
var ErrNoToken = errors.New("no token present")

// Reader is a proximity token reader.
type Reader interface {
	Open(ctx context.Context) error
	// Read returns the uid of the token currently presented, or ErrNoToken.
	Read(ctx context.Context) (string, error)
	Close() error
}

// LineReader reads uids from a character device that emits one uid per line, the way
// USB keyboard-wedge and serial NFC readers do. A reader only reports a tap, so a token
// counts as present for hold after its last line.
type LineReader struct {
	path string
	hold time.Duration
	open func(path string) (io.ReadCloser, error)
	now  func() time.Time

	mu     sync.Mutex
	rc     io.ReadCloser
	last   string
	lastAt time.Time
	err    error
	done   chan struct{}
}

// NewLineReader creates a reader for the device at path.
func NewLineReader(path string, hold time.Duration) *LineReader {
	return &LineReader{
		path: path,
		hold: hold,
		open: func(p string) (io.ReadCloser, error) { return os.Open(p) },
		now:  time.Now,
	}
}

// Open opens the device and starts scanning it.
func (r *LineReader) Open(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.openLocked()
}

func (r *LineReader) openLocked() error {
	rc, err := r.open(r.path)
	if err != nil {
		return fmt.Errorf("failed to open reader %s: %w", r.path, err)
	}
	r.rc = rc
	r.err = nil
	r.last = ""
	r.done = make(chan struct{})
	go r.scan(rc, r.done)
	return nil
}

func (r *LineReader) scan(rc io.Reader, done chan struct{}) {
	defer close(done)
	sc := bufio.NewScanner(rc)
	for sc.Scan() {
		uid := models.NormalizeUID(sc.Text())
		if uid == "" {
			continue
		}
		r.mu.Lock()
		r.last = uid
		r.lastAt = r.now()
		r.mu.Unlock()
	}

	err := sc.Err()
	if err == nil {
		err = io.EOF
	}
	r.mu.Lock()
	r.err = fmt.Errorf("reader %s disconnected: %w", r.path, err)
	r.mu.Unlock()
}

// Read reports the token seen within the hold window. After the device disconnects, Read
// returns the disconnect error once and then tries to reopen on each call.
func (r *LineReader) Read(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.err != nil {
		if r.rc != nil {
			err := r.err
			r.rc.Close()
			r.rc = nil
			return "", err
		}
		if err := r.openLocked(); err != nil {
			return "", err
		}
	}
	if r.rc == nil {
		return "", errors.New("reader not open")
	}

	if r.last == "" || r.now().Sub(r.lastAt) > r.hold {
		return "", ErrNoToken
	}
	return r.last, nil
}

// Close stops scanning and releases the device.
func (r *LineReader) Close() error {
	r.mu.Lock()
	rc, done := r.rc, r.done
	r.rc = nil
	r.mu.Unlock()

	if rc == nil {
		return nil
	}
	err := rc.Close()
	if done != nil {
		select {
		case <-done:
		case <-time.After(time.Second):
		}
	}
	return err
}
