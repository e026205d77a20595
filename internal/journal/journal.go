// Package journal appends registry events to disk for post-mortem debugging.
// Entries are JSON lines inside snappy-framed segment files with size-based
// rotation; the journal is an observer only and never blocks control flow on
// errors.
package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang/snappy"

	"github.com/blockplane/blockplane/internal/logging"
	"github.com/blockplane/blockplane/internal/registry"
)

const (
	segmentPrefix = "journal-"
	segmentSuffix = ".log.sz"

	// DefaultMaxSegmentSize is the uncompressed rotation threshold
	DefaultMaxSegmentSize = 16 * 1024 * 1024
)

// Entry is one journaled registry event
type Entry struct {
	Timestamp int64           `json:"ts"`
	Type      string          `json:"type"`
	Kind      string          `json:"kind"`
	Object    json.RawMessage `json:"object"`
}

// Journal is a rotating snappy-compressed event log
type Journal struct {
	dir            string
	maxSegmentSize int64
	logger         *logging.Logger

	mu      sync.Mutex
	file    *os.File
	w       *snappy.Writer
	written int64
	seq     int
	closed  bool
}

// Open creates or reopens a journal in dir
func Open(dir string, maxSegmentSize int64, logger *logging.Logger) (*Journal, error) {
	if maxSegmentSize <= 0 {
		maxSegmentSize = DefaultMaxSegmentSize
	}
	if logger == nil {
		logger = logging.Global()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal dir: %w", err)
	}

	j := &Journal{
		dir:            dir,
		maxSegmentSize: maxSegmentSize,
		logger:         logger.With("component", "journal"),
	}

	segments, err := j.segments()
	if err != nil {
		return nil, err
	}
	if n := len(segments); n > 0 {
		// Continue numbering after the newest existing segment.
		last := segments[n-1]
		fmt.Sscanf(filepath.Base(last), segmentPrefix+"%06d"+segmentSuffix, &j.seq)
		j.seq++
	}

	if err := j.openSegment(); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Journal) openSegment() error {
	name := filepath.Join(j.dir, fmt.Sprintf("%s%06d%s", segmentPrefix, j.seq, segmentSuffix))
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open journal segment: %w", err)
	}
	j.file = f
	j.w = snappy.NewBufferedWriter(f)
	j.written = 0
	return nil
}

// Append writes one entry and flushes it
func (j *Journal) Append(entry Entry) error {
	if entry.Timestamp == 0 {
		entry.Timestamp = time.Now().UnixNano()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal journal entry: %w", err)
	}
	data = append(data, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return fmt.Errorf("journal is closed")
	}

	if _, err := j.w.Write(data); err != nil {
		return fmt.Errorf("failed to write journal entry: %w", err)
	}
	if err := j.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush journal: %w", err)
	}

	j.written += int64(len(data))
	if j.written >= j.maxSegmentSize {
		return j.rotateLocked()
	}
	return nil
}

func (j *Journal) rotateLocked() error {
	if err := j.w.Close(); err != nil {
		return fmt.Errorf("failed to close journal segment: %w", err)
	}
	if err := j.file.Close(); err != nil {
		return fmt.Errorf("failed to close journal file: %w", err)
	}
	j.seq++
	j.logger.Debug("Journal segment rotated", "seq", j.seq)
	return j.openSegment()
}

// ReadAll returns every entry across all segments in write order
func (j *Journal) ReadAll() ([]Entry, error) {
	j.mu.Lock()
	if !j.closed {
		if err := j.w.Flush(); err != nil {
			j.mu.Unlock()
			return nil, fmt.Errorf("failed to flush journal: %w", err)
		}
	}
	j.mu.Unlock()

	segments, err := j.segments()
	if err != nil {
		return nil, err
	}

	var entries []Entry
	for _, segment := range segments {
		f, err := os.Open(segment)
		if err != nil {
			return nil, fmt.Errorf("failed to open journal segment: %w", err)
		}

		scanner := bufio.NewScanner(snappy.NewReader(f))
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var entry Entry
			if err := json.Unmarshal(line, &entry); err != nil {
				// A torn tail from a crash ends the segment.
				break
			}
			entries = append(entries, entry)
		}
		err = scanner.Err()
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read journal segment: %w", err)
		}
	}
	return entries, nil
}

// SegmentCount returns the number of segment files on disk
func (j *Journal) SegmentCount() (int, error) {
	segments, err := j.segments()
	if err != nil {
		return 0, err
	}
	return len(segments), nil
}

func (j *Journal) segments() ([]string, error) {
	names, err := filepath.Glob(filepath.Join(j.dir, segmentPrefix+"*"+segmentSuffix))
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	out := names[:0]
	for _, name := range names {
		if strings.HasPrefix(filepath.Base(name), segmentPrefix) {
			out = append(out, name)
		}
	}
	return out, nil
}

// Close flushes and closes the current segment
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	if err := j.w.Close(); err != nil {
		j.file.Close()
		return err
	}
	return j.file.Close()
}

// Handler adapts the journal into a registry event handler. Failed appends
// are logged and dropped; the journal never interferes with the registry.
func (j *Journal) Handler() registry.EventHandler {
	return func(ev registry.Event) {
		object, err := json.Marshal(ev.Object)
		if err != nil {
			j.logger.Warn("Failed to encode event object", "error", err)
			return
		}
		entry := Entry{
			Type:   string(ev.Type),
			Kind:   string(ev.Kind),
			Object: object,
		}
		if err := j.Append(entry); err != nil {
			j.logger.Warn("Failed to journal event", "error", err)
		}
	}
}
