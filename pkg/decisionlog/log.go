package decisionlog

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/baxromumarov/sensor-2pc/pkg/metrics"
)

// ErrFailed is returned by every call after the log hit an I/O error. The
// owning site is expected to halt.
var ErrFailed = errors.New("decision log failed")

var ErrClosed = errors.New("decision log closed")

const (
	DefaultFlushBatch    = 64
	DefaultFlushInterval = 10 * time.Millisecond
)

// Options tunes lazy flushing. A FlushBatch of 1 makes every append durable.
type Options struct {
	FlushBatch    int
	FlushInterval time.Duration
	Logger        *zap.Logger
	Metrics       *metrics.Metrics
}

// FileLog is an append-only decision log backed by a single file.
type FileLog struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	writer *bufio.Writer
	opts   Options
	logger *zap.Logger

	lastSeq    uint64
	flushedSeq uint64
	pending    int
	failed     error
	closed     bool

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// Open opens or creates the log at path. A torn record at the tail, left by
// a crash mid-write, is truncated away.
func Open(path string, opts Options) (*FileLog, error) {
	if opts.FlushBatch <= 0 {
		opts.FlushBatch = DefaultFlushBatch
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory %s: %w", dir, err)
		}
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open decision log %s: %w", path, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat decision log: %w", err)
	}

	records, good, torn, err := scan(bufio.NewReader(file), info.Size())
	if err != nil {
		file.Close()
		return nil, err
	}

	if torn {
		opts.Logger.Warn("Truncating torn decision log tail",
			zap.String("path", path),
			zap.Int64("offset", good),
			zap.Int64("size", info.Size()))
		if err := file.Truncate(good); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to truncate torn tail: %w", err)
		}
		if err := file.Sync(); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to sync truncated log: %w", err)
		}
	}

	if _, err := file.Seek(good, 0); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to seek decision log: %w", err)
	}

	var last uint64
	for _, rec := range records {
		if rec.Seq > last {
			last = rec.Seq
		}
	}

	l := &FileLog{
		path:       path,
		file:       file,
		writer:     bufio.NewWriterSize(file, 64*1024),
		opts:       opts,
		logger:     opts.Logger,
		lastSeq:    last,
		flushedSeq: last,
		stopChan:   make(chan struct{}),
	}

	l.wg.Add(1)
	go l.flusher()

	l.logger.Info("Decision log opened",
		zap.String("path", path),
		zap.Int("records", len(records)),
		zap.Uint64("last_seq", last))
	return l, nil
}

// Append buffers rec and returns its sequence number. The record becomes
// durable at the next batch flush or explicit Flush.
func (l *FileLog) Append(rec Record) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.usableLocked(); err != nil {
		return 0, err
	}

	rec.Seq = l.lastSeq + 1
	if rec.Time.IsZero() {
		rec.Time = time.Now().UTC()
	}

	frame, err := encodeFrame(rec)
	if err != nil {
		return 0, err
	}

	if _, err := l.writer.Write(frame); err != nil {
		return 0, l.failLocked(fmt.Errorf("failed to write record: %w", err))
	}

	l.lastSeq = rec.Seq
	l.pending++
	l.opts.Metrics.Appended()

	if l.pending >= l.opts.FlushBatch {
		if err := l.flushLocked(); err != nil {
			return 0, err
		}
	}

	return rec.Seq, nil
}

// Flush makes every appended record durable before returning.
func (l *FileLog) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.usableLocked(); err != nil {
		return err
	}
	return l.flushLocked()
}

// Replay returns the durable records matching pred in append order. A nil
// pred matches everything.
func (l *FileLog) Replay(pred func(Record) bool) ([]Record, error) {
	l.mu.Lock()
	if err := l.usableLocked(); err != nil {
		l.mu.Unlock()
		return nil, err
	}
	path := l.path
	l.mu.Unlock()

	records, err := ReadFile(path)
	if err != nil {
		return nil, err
	}

	if pred == nil {
		return records, nil
	}

	out := records[:0]
	for _, rec := range records {
		if pred(rec) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (l *FileLog) LastSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSeq
}

// FlushedSeq is the highest sequence number known to be on disk.
func (l *FileLog) FlushedSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.flushedSeq
}

func (l *FileLog) Path() string {
	return l.path
}

// Close flushes outstanding records and closes the file.
func (l *FileLog) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	close(l.stopChan)
	l.wg.Wait()

	l.mu.Lock()
	defer l.mu.Unlock()

	var flushErr error
	if l.failed == nil {
		flushErr = l.flushLocked()
	}
	if err := l.file.Close(); err != nil && flushErr == nil {
		flushErr = fmt.Errorf("failed to close decision log: %w", err)
	}
	return flushErr
}

// Abandon closes the file without flushing buffered records, leaving the
// log as a crash would.
func (l *FileLog) Abandon() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()

	close(l.stopChan)
	l.wg.Wait()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.writer.Reset(nil)
	l.file.Close()
}

func (l *FileLog) usableLocked() error {
	if l.failed != nil {
		return fmt.Errorf("%w: %v", ErrFailed, l.failed)
	}
	if l.closed {
		return ErrClosed
	}
	return nil
}

func (l *FileLog) failLocked(err error) error {
	l.failed = err
	l.logger.Error("Decision log failed", zap.String("path", l.path), zap.Error(err))
	return fmt.Errorf("%w: %v", ErrFailed, err)
}

// flushLocked writes the buffer and fsyncs. Must be called with l.mu held.
func (l *FileLog) flushLocked() error {
	if l.pending == 0 && l.writer.Buffered() == 0 {
		return nil
	}

	start := time.Now()
	if err := l.writer.Flush(); err != nil {
		return l.failLocked(fmt.Errorf("failed to write log buffer: %w", err))
	}
	if err := l.file.Sync(); err != nil {
		return l.failLocked(fmt.Errorf("failed to sync decision log: %w", err))
	}

	l.pending = 0
	l.flushedSeq = l.lastSeq
	l.opts.Metrics.Flushed(time.Since(start))
	return nil
}

func (l *FileLog) flusher() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopChan:
			return
		case <-ticker.C:
			l.mu.Lock()
			if l.failed == nil && l.pending > 0 {
				// failure is sticky and surfaces on the next Append or Flush
				_ = l.flushLocked()
			}
			l.mu.Unlock()
		}
	}
}

// ReadFile decodes every complete record in the log at path without opening
// it for writing. A torn tail is ignored.
func ReadFile(path string) ([]Record, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read decision log %s: %w", path, err)
	}

	records, _, _, err := scan(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, err
	}
	return records, nil
}
