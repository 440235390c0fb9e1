// Package journal records protocol frames exchanged with browser tabs as JSON
// lines in a size-rotated file.
package journal

import (
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	DirectionSent     = "sent"
	DirectionReceived = "received"

	DefaultBufferSize    = 1024
	DefaultMaxSizeMB     = 50
	DefaultMaxFrameBytes = 64 << 10
)

var (
	ErrClosed     = errors.New("journal is closed")
	ErrBufferFull = errors.New("journal buffer full")
)

// Frame is one journaled message.
type Frame struct {
	Timestamp    time.Time       `json:"timestamp"`
	TabKey       string          `json:"tab_key"`
	TabID        string          `json:"tab_id,omitempty"`
	Direction    string          `json:"direction"`
	MessageID    *int64          `json:"message_id,omitempty"`
	Method       string          `json:"method,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	PayloadText  string          `json:"payload_text,omitempty"`
	Truncated    bool            `json:"truncated,omitempty"`
	OriginalSize int             `json:"original_size,omitempty"`
	SHA256       string          `json:"sha256,omitempty"`
}

// Options configures a Writer.
type Options struct {
	BufferSize    int
	MaxSizeMB     int
	MaxBackups    int
	MaxFrameBytes int
}

// Writer appends frames asynchronously. A nil *Writer discards everything, so
// callers can hold one unconditionally.
type Writer struct {
	path          string
	maxFrameBytes int

	writeCh chan Frame
	done    chan struct{}
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool
	logger *lumberjack.Logger

	closeOnce sync.Once
	closeErr  error
}

// Open starts a writer appending to path. The parent directory is created.
func Open(path string, opts Options) (*Writer, error) {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.MaxSizeMB <= 0 {
		opts.MaxSizeMB = DefaultMaxSizeMB
	}
	if opts.MaxFrameBytes == 0 {
		opts.MaxFrameBytes = DefaultMaxFrameBytes
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	w := &Writer{
		path:          path,
		maxFrameBytes: opts.MaxFrameBytes,
		writeCh:       make(chan Frame, opts.BufferSize),
		done:          make(chan struct{}),
		logger: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			LocalTime:  false,
		},
	}
	w.wg.Add(1)
	go w.writeLoop()
	slog.Info("message journal opened", "file", path)
	return w, nil
}

// Path returns the journal file path.
func (w *Writer) Path() string {
	if w == nil {
		return ""
	}
	return w.path
}

// Record queues one frame built from raw wire bytes. It never blocks; when the
// buffer is full the frame is dropped and ErrBufferFull returned.
func (w *Writer) Record(direction, tabKey, tabID string, id *int64, method string, raw []byte) error {
	if w == nil {
		return nil
	}
	f := Frame{
		Timestamp: time.Now().UTC(),
		TabKey:    tabKey,
		TabID:     tabID,
		Direction: direction,
		MessageID: id,
		Method:    method,
	}
	payload, truncated, size, sum := TruncateBytes(raw, w.maxFrameBytes)
	if truncated {
		f.PayloadText = string(payload)
		f.Truncated = true
		f.OriginalSize = size
		f.SHA256 = sum
	} else if json.Valid(payload) {
		f.Payload = append(json.RawMessage(nil), payload...)
	} else {
		f.PayloadText = string(payload)
	}
	return w.Write(f)
}

// Write queues a prepared frame.
func (w *Writer) Write(f Frame) error {
	if w == nil {
		return nil
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return ErrClosed
	}
	select {
	case w.writeCh <- f:
		return nil
	default:
		slog.Warn("journal buffer full, dropping frame", "tab_key", f.TabKey, "direction", f.Direction)
		return ErrBufferFull
	}
}

// Close flushes queued frames and closes the file. It is safe to call more
// than once.
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.closed = true
		w.mu.Unlock()
		close(w.done)
		w.wg.Wait()
		w.closeErr = w.logger.Close()
	})
	return w.closeErr
}

func (w *Writer) writeLoop() {
	defer w.wg.Done()
	for {
		select {
		case f := <-w.writeCh:
			w.writeFrame(f)
		case <-w.done:
			for {
				select {
				case f := <-w.writeCh:
					w.writeFrame(f)
				default:
					return
				}
			}
		}
	}
}

func (w *Writer) writeFrame(f Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		slog.Error("journal marshal failed", "tab_key", f.TabKey, "error", err)
		return
	}
	if _, err := w.logger.Write(append(data, '\n')); err != nil {
		slog.Error("journal write failed", "file", w.path, "error", err)
	}
}
