// Package journal persists the authoritative event stream to disk so a host
// can be bootstrapped from a prior run. A journal bundle is a directory
// holding a manifest, a snappy-compressed JSONL event stream, and a
// zstd-compressed sequence of length-prefixed state checkpoints.
package journal

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"

	"tabletop/relay/internal/eventlog"
)

const (
	manifestName    = "manifest.json"
	eventsName      = "events.jsonl.sz"
	checkpointsName = "checkpoints.bin.zst"
)

var bundleNameCleaner = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// Manifest describes the journal bundle layout so tooling can locate the
// artefacts.
type Manifest struct {
	Version         int    `json:"version"`
	CreatedAt       string `json:"created_at"`
	EventsPath      string `json:"events_path"`
	CheckpointsPath string `json:"checkpoints_path"`
}

// record is the JSONL line persisted per authoritative event.
type record struct {
	CapturedAt string         `json:"captured_at"`
	Event      eventlog.Event `json:"event"`
}

// Writer streams authoritative events and state checkpoints into a bundle.
type Writer struct {
	mu          sync.Mutex
	dir         string
	now         func() time.Time
	eventFile   *os.File
	eventStream *snappy.Writer
	ckptFile    *os.File
	ckptStream  *zstd.Encoder
	closed      bool
}

// NewWriter prepares a bundle directory under root and opens the compressed
// sinks. The clock is injectable for tests; nil falls back to time.Now.
func NewWriter(root, name string, clock func() time.Time) (*Writer, Manifest, error) {
	if root == "" {
		return nil, Manifest{}, fmt.Errorf("journal root must be provided")
	}
	if clock == nil {
		clock = time.Now
	}
	cleaned := bundleNameCleaner.ReplaceAllString(name, "")
	if cleaned == "" {
		cleaned = "session"
	}
	created := clock().UTC()
	dir := filepath.Join(root, fmt.Sprintf("%s-%s", cleaned, created.Format("20060102T150405Z")))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, Manifest{}, err
	}

	eventFile, err := os.Create(filepath.Join(dir, eventsName))
	if err != nil {
		return nil, Manifest{}, err
	}
	eventStream := snappy.NewBufferedWriter(eventFile)

	ckptFile, err := os.Create(filepath.Join(dir, checkpointsName))
	if err != nil {
		eventStream.Close()
		eventFile.Close()
		return nil, Manifest{}, err
	}
	ckptStream, err := zstd.NewWriter(ckptFile)
	if err != nil {
		eventStream.Close()
		eventFile.Close()
		ckptFile.Close()
		return nil, Manifest{}, err
	}

	manifest := Manifest{
		Version:         1,
		CreatedAt:       created.Format(time.RFC3339Nano),
		EventsPath:      eventsName,
		CheckpointsPath: checkpointsName,
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err == nil {
		err = os.WriteFile(filepath.Join(dir, manifestName), data, 0o644)
	}
	if err != nil {
		ckptStream.Close()
		ckptFile.Close()
		eventStream.Close()
		eventFile.Close()
		return nil, Manifest{}, err
	}

	return &Writer{
		dir:         dir,
		now:         clock,
		eventFile:   eventFile,
		eventStream: eventStream,
		ckptFile:    ckptFile,
		ckptStream:  ckptStream,
	}, manifest, nil
}

// Directory exposes the directory backing the bundle.
func (w *Writer) Directory() string {
	if w == nil {
		return ""
	}
	return w.dir
}

// Append persists one authoritative event as a JSON line and flushes it.
func (w *Writer) Append(event eventlog.Event) error {
	if w == nil {
		return fmt.Errorf("journal writer not initialised")
	}
	captured := w.now().UTC()
	line, err := json.Marshal(record{
		CapturedAt: captured.Format(time.RFC3339Nano),
		Event:      event,
	})
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("journal writer closed")
	}
	if _, err := w.eventStream.Write(line); err != nil {
		return err
	}
	if _, err := w.eventStream.Write([]byte("\n")); err != nil {
		return err
	}
	return w.eventStream.Flush()
}

// Checkpoint persists an opaque state payload as a length-prefixed record.
// eventCount records how many events the payload summarises.
func (w *Writer) Checkpoint(eventCount int, payload []byte) error {
	if w == nil {
		return fmt.Errorf("journal writer not initialised")
	}
	captured := w.now().UTC()
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("journal writer closed")
	}
	//1.- Length-prefixed records let the loader step the stream efficiently.
	header := make([]byte, 8+8+4)
	binary.LittleEndian.PutUint64(header[0:8], uint64(eventCount))
	binary.LittleEndian.PutUint64(header[8:16], uint64(captured.UnixNano()))
	binary.LittleEndian.PutUint32(header[16:20], uint32(len(payload)))
	if _, err := w.ckptStream.Write(header); err != nil {
		return err
	}
	if _, err := w.ckptStream.Write(payload); err != nil {
		return err
	}
	return w.ckptStream.Flush()
}

// Close flushes both streams and releases the file handles.
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	var firstErr error
	if err := w.eventStream.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.eventFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.ckptStream.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.ckptFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
