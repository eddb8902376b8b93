package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// GhostRecord is one flash-sale win whose broker publish failed. The stock
// was already charged in Redis, so the record must not be lost: it is the
// only proof the win happened until an operator replays it.
type GhostRecord struct {
	EventID   string    `json:"eventId"`
	ProductID string    `json:"productId"`
	UserID    string    `json:"userId"`
	Price     string    `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}

// GhostLog is an append-only JSONL file, one record per line. Appends are
// serialized and fsynced; losing a ghost record means losing a sale.
type GhostLog struct {
	mu   sync.Mutex
	path string
}

func NewGhostLog(path string) *GhostLog {
	return &GhostLog{path: path}
}

func (g *GhostLog) Append(rec GhostRecord) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	f, err := os.OpenFile(g.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open ghost log: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode ghost record: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append ghost record: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync ghost log: %w", err)
	}
	return nil
}

// Read returns all records in file order. A missing file is an empty log.
func (g *GhostLog) Read() ([]GhostRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	f, err := os.Open(g.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open ghost log: %w", err)
	}
	defer f.Close()

	var records []GhostRecord
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var rec GhostRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("decode ghost record: %w", err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read ghost log: %w", err)
	}
	return records, nil
}
