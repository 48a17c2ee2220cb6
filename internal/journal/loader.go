package journal

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"

	"tabletop/relay/internal/eventlog"
)

// Checkpoint is a rehydrated state record from a journal bundle.
type Checkpoint struct {
	EventCount int
	CapturedAt time.Time
	Payload    []byte
}

// ReadEvents streams every journalled event back from the bundle directory,
// in the order they were appended.
func ReadEvents(dir string) ([]eventlog.Event, error) {
	if dir == "" {
		return nil, fmt.Errorf("journal directory must be provided")
	}
	file, err := os.Open(filepath.Join(dir, eventsName))
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var events []eventlog.Event
	scanner := bufio.NewScanner(snappy.NewReader(file))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry record
		if err := json.Unmarshal(line, &entry); err != nil {
			return nil, fmt.Errorf("decode journal line: %w", err)
		}
		events = append(events, entry.Event)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// ReadCheckpoints rehydrates every checkpoint record from the bundle
// directory, oldest first.
func ReadCheckpoints(dir string) ([]Checkpoint, error) {
	if dir == "" {
		return nil, fmt.Errorf("journal directory must be provided")
	}
	file, err := os.Open(filepath.Join(dir, checkpointsName))
	if err != nil {
		return nil, err
	}
	defer file.Close()

	decoder, err := zstd.NewReader(file)
	if err != nil {
		return nil, err
	}
	defer decoder.Close()

	var checkpoints []Checkpoint
	header := make([]byte, 8+8+4)
	for {
		if _, err := io.ReadFull(decoder, header); err != nil {
			if errors.Is(err, io.EOF) {
				return checkpoints, nil
			}
			return nil, fmt.Errorf("read checkpoint header: %w", err)
		}
		payload := make([]byte, binary.LittleEndian.Uint32(header[16:20]))
		if _, err := io.ReadFull(decoder, payload); err != nil {
			return nil, fmt.Errorf("read checkpoint payload: %w", err)
		}
		checkpoints = append(checkpoints, Checkpoint{
			EventCount: int(binary.LittleEndian.Uint64(header[0:8])),
			CapturedAt: time.Unix(0, int64(binary.LittleEndian.Uint64(header[8:16]))).UTC(),
			Payload:    payload,
		})
	}
}

// ReadManifest parses the bundle manifest.
func ReadManifest(dir string) (Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		return Manifest{}, err
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	return manifest, nil
}
