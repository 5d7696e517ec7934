package log

import (
	"bufio"
	"os"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// FileLogger is the protocol-log sink: an append-only stream of
// CBOR-encoded events in a single file. Writes are buffered; Sync or
// Close pushes buffered events to disk. Safe for concurrent use.
type FileLogger struct {
	mu     sync.Mutex
	file   *os.File
	buf    *bufio.Writer
	enc    *cbor.Encoder
	closed bool
}

// NewFileLogger opens the log file at path, creating it with mode 0644
// when missing. Existing content is kept, so successive runs share one
// event stream.
func NewFileLogger(path string) (*FileLogger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	buf := bufio.NewWriter(f)
	return &FileLogger{
		file: f,
		buf:  buf,
		enc:  logEncMode.NewEncoder(buf),
	}, nil
}

// Log appends one event. Encode errors are swallowed; the protocol log
// never takes the engine down. Calls after Close are dropped.
func (l *FileLogger) Log(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	_ = l.enc.Encode(event)
}

// Sync flushes buffered events and forces them to stable storage.
func (l *FileLogger) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	return l.syncLocked()
}

// Close flushes and syncs pending events, then closes the file.
// Idempotent; the first error wins.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	err := l.syncLocked()
	if closeErr := l.file.Close(); err == nil {
		err = closeErr
	}
	return err
}

func (l *FileLogger) syncLocked() error {
	err := l.buf.Flush()
	if syncErr := l.file.Sync(); err == nil {
		err = syncErr
	}
	return err
}

var _ Logger = (*FileLogger)(nil)
