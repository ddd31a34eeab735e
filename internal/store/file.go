package store

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
)

var _ Store = (*FileStore)(nil)

// FileStore persists records as append-only JSON lines in a local file and
// serves reads from memory. A later line with the same ID replaces an
// earlier one.
type FileStore struct {
	mu   sync.Mutex
	path string
	mem  *Memory
}

// OpenFileStore loads every record already in path. A missing file is not
// an error; it is created on the first [FileStore.Save].
func OpenFileStore(path string) (*FileStore, error) {
	fs := &FileStore{path: path, mem: NewMemory()}

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return fs, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for line := 1; sc.Scan(); line++ {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var r SessionRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			return nil, fmt.Errorf("store: %s:%d: %w", path, line, err)
		}
		_ = fs.mem.Save(context.Background(), r)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("store: read %s: %w", path, err)
	}
	return fs, nil
}

// Save appends r to the file and indexes it.
func (fs *FileStore) Save(ctx context.Context, r SessionRecord) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("store: marshal: %w", err)
	}
	data = append(data, '\n')

	fs.mu.Lock()
	defer fs.mu.Unlock()

	f, err := os.OpenFile(fs.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("store: open file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("store: write: %w", err)
	}
	return fs.mem.Save(ctx, r)
}

// Get implements [Store].
func (fs *FileStore) Get(ctx context.Context, id string) (SessionRecord, error) {
	return fs.mem.Get(ctx, id)
}

// Similar implements [Store].
func (fs *FileStore) Similar(ctx context.Context, id string, limit int) ([]Match, error) {
	return fs.mem.Similar(ctx, id, limit)
}
