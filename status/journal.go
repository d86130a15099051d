package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Entry is one line of a journal.
type Entry struct {
	TrackingID string `json:"trackingId"`
	Record     Record `json:"record"`
}

// Journal appends records to a zstd compressed JSON-lines file, one zstd frame per record,
// so the file stays readable after a crash.
type Journal struct {
	mu      sync.Mutex
	file    *os.File
	encoder *zstd.Encoder
}

// OpenJournal opens or creates the journal at path for appending.
func OpenJournal(path string) (*Journal, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("create zstd writer: %w", err)
	}

	return &Journal{file: file, encoder: encoder}, nil
}

// Upsert ...
func (j *Journal) Upsert(_ context.Context, trackingID string, record Record) error {
	line, err := json.Marshal(Entry{TrackingID: trackingID, Record: record})
	if err != nil {
		return err
	}
	line = append(line, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return errors.New("journal is closed")
	}
	if _, err := j.file.Write(j.encoder.EncodeAll(line, nil)); err != nil {
		return fmt.Errorf("write journal: %w", err)
	}
	return nil
}

// Close ...
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return nil
	}
	err := j.encoder.Close()
	if cerr := j.file.Close(); err == nil {
		err = cerr
	}
	j.file = nil
	return err
}

// ReadJournal returns every entry of the journal at path, oldest first.
func ReadJournal(path string) ([]Entry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	defer file.Close() //nolint:errcheck

	decoder, err := zstd.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("create zstd reader: %w", err)
	}
	defer decoder.Close()

	var entries []Entry
	dec := json.NewDecoder(decoder)
	for {
		var e Entry
		if err := dec.Decode(&e); err != nil {
			if errors.Is(err, io.EOF) {
				return entries, nil
			}
			return entries, fmt.Errorf("decode journal: %w", err)
		}
		entries = append(entries, e)
	}
}

// Latest reduces entries to the last record of every tracking id.
func Latest(entries []Entry) map[string]Record {
	latest := make(map[string]Record, len(entries))
	for _, e := range entries {
		latest[e.TrackingID] = e.Record
	}
	return latest
}
