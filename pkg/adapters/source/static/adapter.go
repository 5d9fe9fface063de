// Package static provides an in-memory source adapter. It serves local
// development and tests, and doubles as the reference implementation of
// the adapter contract for vendor clients living outside this repository.
package static

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/substrate-ops/inventory-engine/pkg/adapters/source"
)

// Adapter serves a fixed set of records from memory. Records can be
// replaced between fetches, which is how tests simulate devices
// disappearing from a source.
type Adapter struct {
	mu       sync.Mutex
	records  []source.RawRecord
	state    map[string]map[string]any // external state keyed by object type/id
	complete bool
	closed   bool
}

// New creates an adapter serving the given records as a full snapshot.
func New(records []source.RawRecord) *Adapter {
	return &Adapter{
		records:  records,
		state:    make(map[string]map[string]any),
		complete: true,
	}
}

// NewFromFile loads records from a JSON seed file.
func NewFromFile(path string) (*Adapter, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	var records []source.RawRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}
	return New(records), nil
}

// SetRecords replaces the snapshot contents for subsequent fetches.
func (a *Adapter) SetRecords(records []source.RawRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = records
}

// SetState seeds external object state for ReadCurrent.
func (a *Adapter) SetState(target source.Target, state map[string]any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state[stateKey(target)] = state
}

// State returns the current external object state, if any.
func (a *Adapter) State(target source.Target) (map[string]any, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.state[stateKey(target)]
	return s, ok
}

func (a *Adapter) FetchSnapshot(ctx context.Context, since *time.Time) (source.Snapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, source.NewError("adapter closed", false, nil)
	}

	records := make([]source.RawRecord, len(a.records))
	copy(records, a.records)
	return &snapshot{records: records, complete: a.complete}, nil
}

func (a *Adapter) ReadCurrent(ctx context.Context, target source.Target) (map[string]any, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	state, ok := a.state[stateKey(target)]
	if !ok {
		return nil, source.NewError(fmt.Sprintf("object %s/%s not found", target.ObjectType, target.ObjectID), false, nil)
	}
	return state, nil
}

func (a *Adapter) WriteBack(ctx context.Context, target source.Target, diff map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	state, ok := a.state[stateKey(target)]
	if !ok {
		state = make(map[string]any)
		a.state[stateKey(target)] = state
	}
	for k, v := range diff {
		state[k] = v
	}
	return nil
}

func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}

func stateKey(target source.Target) string {
	return target.ObjectType + "/" + target.ObjectID
}

type snapshot struct {
	records  []source.RawRecord
	pos      int
	complete bool
}

func (s *snapshot) Next(ctx context.Context) (*source.RawRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.pos >= len(s.records) {
		return nil, io.EOF
	}
	record := s.records[s.pos]
	s.pos++
	return &record, nil
}

func (s *snapshot) Complete() bool { return s.complete }

func (s *snapshot) Close() error { return nil }
