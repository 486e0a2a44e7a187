// Package storage defines the persistence collaborator of the session.
package storage

import (
	"context"
	"errors"
	"sync"

	"github.com/italolelis/transferd/internal/transfer"
)

// ErrNotFound is returned when a record is not stored.
var ErrNotFound = errors.New("record not found in storage")

// Store saves and loads the complete record set. The live process handle of
// a record is never part of what is stored.
type Store interface {
	Save(ctx context.Context, records []transfer.Record) error
	Load(ctx context.Context) ([]transfer.Record, error)
}

// Memory keeps records in process. It backs tests and runs without a database.
type Memory struct {
	mu      sync.Mutex
	records []transfer.Record
	saves   int
}

func NewMemory(records ...transfer.Record) *Memory {
	m := &Memory{}
	for i := range records {
		m.records = append(m.records, *records[i].Clone())
	}

	return m
}

func (m *Memory) Save(_ context.Context, records []transfer.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.records = m.records[:0]
	for i := range records {
		m.records = append(m.records, *records[i].Clone())
	}

	m.saves++

	return nil
}

func (m *Memory) Load(_ context.Context) ([]transfer.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]transfer.Record, 0, len(m.records))
	for i := range m.records {
		out = append(out, *m.records[i].Clone())
	}

	return out, nil
}

// Get returns the stored copy of one record.
func (m *Memory) Get(id string) (transfer.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.records {
		if m.records[i].ID == id {
			return *m.records[i].Clone(), nil
		}
	}

	return transfer.Record{}, ErrNotFound
}

// Saves reports how many times Save was called.
func (m *Memory) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.saves
}
