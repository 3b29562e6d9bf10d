package terraform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/datatypes"

	"github.com/storycraft/deploy/internal/models"
	"github.com/storycraft/deploy/internal/repository"
	"github.com/storycraft/deploy/pkg/contenthash"
	appErr "github.com/storycraft/deploy/pkg/errors"
)

// State is what the driver keeps between runs of one stack.
type State struct {
	// Engine is the raw engine state file.
	Engine []byte `json:"engine,omitempty"`
	// AppliedDigest is the build-definition digest of the last successful apply.
	AppliedDigest contenthash.Digest `json:"applied_digest,omitempty"`
	Outputs       map[string]any     `json:"outputs,omitempty"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// StateStore handles engine state persistence and run locking.
type StateStore interface {
	SaveState(ctx context.Context, stack string, st *State) error
	// GetState returns nil and no error for a stack that was never applied.
	GetState(ctx context.Context, stack string) (*State, error)
	LockState(ctx context.Context, stack, holder string) error
	UnlockState(ctx context.Context, stack string) error
}

// FileStateStore keeps one JSON document per stack in a directory. Locks
// are exclusive-create lock files next to it.
type FileStateStore struct {
	dir string
}

func NewFileStateStore(dir string) *FileStateStore {
	return &FileStateStore{dir: dir}
}

func (s *FileStateStore) path(stack, ext string) string {
	name := strings.NewReplacer("/", "__", string(os.PathSeparator), "__").Replace(stack)
	return filepath.Join(s.dir, name+ext)
}

func (s *FileStateStore) SaveState(ctx context.Context, stack string, st *State) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "create state dir failed")
	}
	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "encode state failed")
	}
	tmp := s.path(stack, ".json.tmp")
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "write state failed")
	}
	if err := os.Rename(tmp, s.path(stack, ".json")); err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "replace state failed")
	}
	return nil
}

func (s *FileStateStore) GetState(ctx context.Context, stack string) (*State, error) {
	b, err := os.ReadFile(s.path(stack, ".json"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "read state failed")
	}
	var st State
	if err := json.Unmarshal(b, &st); err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "decode state failed")
	}
	return &st, nil
}

func (s *FileStateStore) LockState(ctx context.Context, stack, holder string) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "create state dir failed")
	}
	lock := s.path(stack, ".lock")
	f, err := os.OpenFile(lock, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if errors.Is(err, os.ErrExist) {
		owner, _ := os.ReadFile(lock)
		return appErr.Newf(appErr.CodeLocked, "stack %s is locked (%s)", stack, strings.TrimSpace(string(owner))).
			WithMeta("lock_file", lock)
	}
	if err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "create lock file failed")
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "%s %s\n", holder, time.Now().UTC().Format(time.RFC3339))
	return err
}

func (s *FileStateStore) UnlockState(ctx context.Context, stack string) error {
	if err := os.Remove(s.path(stack, ".lock")); err != nil && !errors.Is(err, os.ErrNotExist) {
		return appErr.Wrap(err, appErr.CodeInternal, "remove lock file failed")
	}
	return nil
}

// DatabaseStateStore keeps state in the stack_states table.
type DatabaseStateStore struct {
	repo repository.StackStateRepository
}

func NewDatabaseStateStore(repo repository.StackStateRepository) *DatabaseStateStore {
	return &DatabaseStateStore{repo: repo}
}

func (s *DatabaseStateStore) SaveState(ctx context.Context, stack string, st *State) error {
	row := models.StackState{
		Stack:         stack,
		EngineState:   st.Engine,
		AppliedDigest: st.AppliedDigest.String(),
	}
	if st.Outputs != nil {
		b, err := json.Marshal(st.Outputs)
		if err != nil {
			return appErr.Wrap(err, appErr.CodeInternal, "encode outputs failed")
		}
		row.Outputs = datatypes.JSON(b)
	}
	return s.repo.Save(ctx, &row)
}

func (s *DatabaseStateStore) GetState(ctx context.Context, stack string) (*State, error) {
	var row models.StackState
	if err := s.repo.Get(ctx, stack, &row); err != nil {
		if appErr.IsCode(err, appErr.CodeNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if len(row.EngineState) == 0 && row.AppliedDigest == "" {
		// Row created by a lock only.
		return nil, nil
	}
	st := &State{
		Engine:        row.EngineState,
		AppliedDigest: contenthash.Digest(row.AppliedDigest),
		UpdatedAt:     row.UpdatedAt,
	}
	if len(row.Outputs) > 0 {
		if err := json.Unmarshal(row.Outputs, &st.Outputs); err != nil {
			return nil, appErr.Wrap(err, appErr.CodeInternal, "decode outputs failed")
		}
	}
	return st, nil
}

func (s *DatabaseStateStore) LockState(ctx context.Context, stack, holder string) error {
	return s.repo.Lock(ctx, stack, holder)
}

func (s *DatabaseStateStore) UnlockState(ctx context.Context, stack string) error {
	return s.repo.Unlock(ctx, stack)
}
