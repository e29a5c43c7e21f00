package store

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	HistoryFileName = "history.yaml"

	// DefaultHistoryLimit caps the number of retained records.
	DefaultHistoryLimit = 500
)

// Record is the outcome of one open attempt.
type Record struct {
	ID           string    `yaml:"id"`
	StartedAt    time.Time `yaml:"started_at"`
	FinishedAt   time.Time `yaml:"finished_at"`
	Profile      string    `yaml:"profile,omitempty"`
	Address      string    `yaml:"address,omitempty"`
	Name         string    `yaml:"name,omitempty"`
	Phase        string    `yaml:"phase"`
	ErrorKind    string    `yaml:"error_kind,omitempty"`
	ErrorMessage string    `yaml:"error_message,omitempty"`
	Reconnects   int       `yaml:"reconnects"`
	Signal       *int      `yaml:"signal,omitempty"`
}

// Duration is the time the attempt took.
func (r Record) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

type historyFile struct {
	Records []Record `yaml:"records"`
}

// HistoryStore appends records to a capped YAML file, oldest first.
type HistoryStore struct {
	mu    sync.Mutex
	path  string
	limit int
}

// NewHistoryStore creates a store for dataDir keeping at most limit records.
// A non-positive limit uses DefaultHistoryLimit.
func NewHistoryStore(dataDir string, limit int) *HistoryStore {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &HistoryStore{
		path:  filepath.Join(dataDir, HistoryFileName),
		limit: limit,
	}
}

func (s *HistoryStore) load() ([]Record, error) {
	var f historyFile
	if _, err := readYAML(s.path, &f); err != nil {
		return nil, err
	}
	return f.Records, nil
}

// Append stores r, assigning an ID when it has none, and drops the oldest
// records beyond the limit.
func (s *HistoryStore) Append(r Record) (Record, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return Record{}, err
	}
	records = append(records, r)
	if over := len(records) - s.limit; over > 0 {
		records = records[over:]
	}

	if err := writeYAML(s.path, historyFile{Records: records}); err != nil {
		return Record{}, err
	}
	return r, nil
}

// List returns up to limit records, newest first. A non-positive limit returns all.
func (s *HistoryStore) List(limit int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return nil, err
	}

	out := make([]Record, 0, len(records))
	for i := len(records) - 1; i >= 0; i-- {
		out = append(out, records[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Clear removes every record.
func (s *HistoryStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeYAML(s.path, historyFile{})
}
