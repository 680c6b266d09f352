package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/tidwall/gjson"
)

// JSONLStore appends summaries to a JSONL file, one object per line.
type JSONLStore struct {
	path string

	mu   sync.Mutex
	seen map[string]struct{}
}

var _ ReadStore = (*JSONLStore)(nil)

// OpenJSONL opens or creates the file and indexes the session_ids it already holds.
func OpenJSONL(path string) (*JSONLStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("creating archive dir: %w", err)
	}

	s := &JSONLStore{path: path, seen: make(map[string]struct{})}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading archive file: %w", err)
	}
	gjson.ForEachLine(string(data), func(line gjson.Result) bool {
		if id := line.Get("session_id").String(); id != "" {
			s.seen[id] = struct{}{}
		}
		return true
	})
	return s, nil
}

// Write appends the summary unless its session_id is already in the file.
func (s *JSONLStore) Write(_ context.Context, sum Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.seen[sum.SessionID]; ok {
		return nil
	}
	if err := appendJSONL(s.path, sum); err != nil {
		return err
	}
	s.seen[sum.SessionID] = struct{}{}
	return nil
}

// Close implements Store.
func (s *JSONLStore) Close() error { return nil }

// ReadAll returns every summary in the file in write order.
func (s *JSONLStore) ReadAll() ([]Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []Summary
	var parseErr error
	gjson.ForEachLine(string(data), func(line gjson.Result) bool {
		var sum Summary
		if err := json.Unmarshal([]byte(line.Raw), &sum); err != nil {
			parseErr = fmt.Errorf("parsing archive line: %w", err)
			return false
		}
		out = append(out, sum)
		return true
	})
	return out, parseErr
}

// ListByUser returns a user's summaries, most recent first.
func (s *JSONLStore) ListByUser(_ context.Context, userID string) ([]Summary, error) {
	all, err := s.ReadAll()
	if err != nil {
		return nil, err
	}
	var out []Summary
	for _, sum := range all {
		if sum.UserID == userID {
			out = append(out, sum)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].EndedAt.After(out[j].EndedAt) })
	return out, nil
}

// Count returns the number of distinct sessions in the file.
func (s *JSONLStore) Count(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen), nil
}

// appendJSONL appends a single JSON object as a line to the file.
func appendJSONL(path string, record any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	_, err = f.Write(data)
	return err
}
