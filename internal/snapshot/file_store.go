package snapshot

import (
	"context"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"

	"github.com/crosslane/solver/errs"
	"github.com/crosslane/solver/internal/domain/order"
	"github.com/crosslane/solver/internal/observability"
)

// FileStore persists snapshots as a JSON array in a single file. Writes go
// through a temp file and rename so a crash mid-save leaves the previous
// snapshot intact.
type FileStore struct {
	path string
}

// NewFileStore creates the snapshot directory if needed.
func NewFileStore(path string) (*FileStore, error) {
	const op = "snapshot/file"
	if path == "" {
		return nil, errs.New(op, errs.CodeValidation, errs.WithMessage("snapshot path required"))
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errs.New(op, errs.CodePersistence,
				errs.WithMessage("snapshot directory creation failed"),
				errs.WithMeta("dir", dir), errs.WithCause(err))
		}
	}
	return &FileStore{path: path}, nil
}

// Path returns the snapshot file location.
func (s *FileStore) Path() string { return s.path }

// Save writes the snapshot atomically.
func (s *FileStore) Save(_ context.Context, orders []order.Order) error {
	const op = "snapshot/save"

	if orders == nil {
		orders = []order.Order{}
	}
	raw, err := json.MarshalIndent(orders, "", "  ")
	if err != nil {
		return errs.New(op, errs.CodePersistence,
			errs.WithMessage("snapshot marshal failed"), errs.WithCause(err))
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".orders-*.json")
	if err != nil {
		return errs.New(op, errs.CodePersistence,
			errs.WithMessage("temp file creation failed"), errs.WithCause(err))
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return errs.New(op, errs.CodePersistence,
			errs.WithMessage("snapshot write failed"), errs.WithCause(err))
	}
	if err := tmp.Close(); err != nil {
		return errs.New(op, errs.CodePersistence,
			errs.WithMessage("snapshot close failed"), errs.WithCause(err))
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return errs.New(op, errs.CodePersistence,
			errs.WithMessage("snapshot rename failed"),
			errs.WithMeta("path", s.path), errs.WithCause(err))
	}
	return nil
}

// Load reads the snapshot. A missing file is an empty snapshot; a corrupt
// file is logged and also treated as empty so a bad snapshot never blocks
// startup.
func (s *FileStore) Load(context.Context) ([]order.Order, error) {
	const op = "snapshot/load"

	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return []order.Order{}, nil
		}
		return nil, errs.New(op, errs.CodePersistence,
			errs.WithMessage("snapshot read failed"),
			errs.WithMeta("path", s.path), errs.WithCause(err))
	}

	var orders []order.Order
	if err := json.Unmarshal(raw, &orders); err != nil {
		observability.Log().Error("snapshot corrupt, starting empty",
			observability.F("path", s.path), observability.F("error", err.Error()))
		return []order.Order{}, nil
	}
	if orders == nil {
		orders = []order.Order{}
	}
	return orders, nil
}
