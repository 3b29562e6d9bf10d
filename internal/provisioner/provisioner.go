package provisioner

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/storycraft/deploy/internal/metrics"
	"github.com/storycraft/deploy/internal/provisioner/compiler"
	"github.com/storycraft/deploy/internal/provisioner/terraform"
	"github.com/storycraft/deploy/internal/stack"
	appErr "github.com/storycraft/deploy/pkg/errors"
	"github.com/storycraft/deploy/pkg/logger"
)

// Provisioner reconciles a stack through the external engine.
type Provisioner interface {
	// Plan previews the changes an apply would make.
	Plan(ctx context.Context, s *stack.Stack, opts RunOptions) (*Plan, error)

	// Apply converges the live environment on the stack.
	Apply(ctx context.Context, s *stack.Stack, opts RunOptions) (*Result, error)

	// Destroy removes everything the stack created.
	Destroy(ctx context.Context, s *stack.Stack, opts RunOptions) (*Result, error)

	// GetState returns the stored state of a stack, or nil.
	GetState(ctx context.Context, key string) (*terraform.State, error)
}

// RunOptions tune a single run.
type RunOptions struct {
	// Holder names the lock owner, e.g. a deployment id.
	Holder string
	// Output receives engine stdout and stderr.
	Output io.Writer
}

type Plan struct {
	HasChanges   bool   `json:"has_changes"`
	ResourceAdds int    `json:"resource_adds"`
	ResourceMods int    `json:"resource_mods"`
	ResourceDels int    `json:"resource_dels"`
	BuildPending bool   `json:"build_pending"`
	Image        string `json:"image"`
	PlanOutput   string `json:"plan_output,omitempty"`
}

type Result struct {
	Success      bool           `json:"success"`
	Outputs      map[string]any `json:"outputs,omitempty"`
	Image        string         `json:"image,omitempty"`
	Digest       string         `json:"digest,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
}

// Engine is one working directory of the external engine.
type Engine interface {
	Initialize(ctx context.Context, code *compiler.TerraformCode) error
	Plan(ctx context.Context) (*terraform.PlanResult, error)
	Apply(ctx context.Context) (*terraform.ApplyResult, error)
	Destroy(ctx context.Context) ([]byte, error)
	RestoreState(state []byte) error
	ReadState() ([]byte, error)
	Cleanup() error
}

// EngineFactory creates an Engine for a working directory.
type EngineFactory func(workingDir string, opts ...terraform.ExecutorOption) Engine

func defaultEngine(workingDir string, opts ...terraform.ExecutorOption) Engine {
	return terraform.NewExecutor(workingDir, opts...)
}

// TerraformProvisioner implements Provisioner using Terraform.
type TerraformProvisioner struct {
	baseWorkingDir string
	binary         string
	stateStore     terraform.StateStore
	newEngine      EngineFactory
}

type Option func(*TerraformProvisioner)

func WithBinary(path string) Option {
	return func(t *TerraformProvisioner) { t.binary = path }
}

func WithEngineFactory(f EngineFactory) Option {
	return func(t *TerraformProvisioner) { t.newEngine = f }
}

func NewTerraformProvisioner(workingDir string, stateStore terraform.StateStore, opts ...Option) *TerraformProvisioner {
	if workingDir == "" {
		workingDir = filepath.Join(os.TempDir(), "storycraft")
	}
	if abs, err := filepath.Abs(workingDir); err == nil {
		workingDir = abs
	}
	t := &TerraformProvisioner{
		baseWorkingDir: workingDir,
		stateStore:     stateStore,
		newEngine:      defaultEngine,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// session is one run: a fresh working directory seeded with stored state.
type session struct {
	engine Engine
	prev   *terraform.State
}

func (t *TerraformProvisioner) open(ctx context.Context, s *stack.Stack, opts RunOptions, action string) (*session, error) {
	code, err := s.Compile()
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInvalid, "compile stack")
	}
	prev, err := t.stateStore.GetState(ctx, s.Key())
	if err != nil {
		return nil, err
	}

	dir := filepath.Join(t.baseWorkingDir, dirName(s.Key()), action+"-"+strconv.FormatInt(time.Now().UnixNano(), 10))
	cache := filepath.Join(t.baseWorkingDir, ".plugin-cache")
	if err := os.MkdirAll(cache, 0o755); err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "create plugin cache")
	}
	env := s.EngineEnv()
	env["TF_PLUGIN_CACHE_DIR"] = cache

	engOpts := []terraform.ExecutorOption{terraform.WithEnv(env)}
	if t.binary != "" {
		engOpts = append(engOpts, terraform.WithBinary(t.binary))
	}
	if opts.Output != nil {
		engOpts = append(engOpts, terraform.WithOutput(opts.Output))
	}
	eng := t.newEngine(dir, engOpts...)

	logger.L().Info("using working dir", zap.String("action", action), zap.String("dir", dir), logger.Stack(s.Key()))
	if prev != nil {
		if err := eng.RestoreState(prev.Engine); err != nil {
			_ = eng.Cleanup()
			return nil, appErr.Wrap(err, appErr.CodeInternal, "restore state")
		}
	}
	if err := eng.Initialize(ctx, code); err != nil {
		_ = eng.Cleanup()
		return nil, err
	}
	return &session{engine: eng, prev: prev}, nil
}

func (t *TerraformProvisioner) lock(ctx context.Context, s *stack.Stack, holder string) (func(), error) {
	if holder == "" {
		holder = "pid-" + strconv.Itoa(os.Getpid())
	}
	if err := t.stateStore.LockState(ctx, s.Key(), holder); err != nil {
		return nil, err
	}
	return func() {
		if err := t.stateStore.UnlockState(context.WithoutCancel(ctx), s.Key()); err != nil {
			logger.L().Error("failed to release stack lock", logger.Stack(s.Key()), zap.Error(err))
		}
	}, nil
}

func (t *TerraformProvisioner) Plan(ctx context.Context, s *stack.Stack, opts RunOptions) (plan *Plan, err error) {
	start := time.Now()
	defer func() { metrics.RecordEngineRun("plan", time.Since(start), err) }()

	sess, err := t.open(ctx, s, opts, "plan")
	if err != nil {
		return nil, err
	}
	defer func() { _ = sess.engine.Cleanup() }()

	pr, err := sess.engine.Plan(ctx)
	if err != nil {
		return nil, err
	}
	return &Plan{
		HasChanges:   pr.HasChanges,
		ResourceAdds: pr.Adds,
		ResourceMods: pr.Changes,
		ResourceDels: pr.Destroys,
		BuildPending: sess.prev == nil || sess.prev.AppliedDigest != s.Digest,
		Image:        s.Image.String(),
		PlanOutput:   pr.PlanOutput,
	}, nil
}

func (t *TerraformProvisioner) Apply(ctx context.Context, s *stack.Stack, opts RunOptions) (res *Result, err error) {
	start := time.Now()
	defer func() { metrics.RecordEngineRun("apply", time.Since(start), err) }()

	unlock, err := t.lock(ctx, s, opts.Holder)
	if err != nil {
		return nil, err
	}
	defer unlock()

	sess, err := t.open(ctx, s, opts, "apply")
	if err != nil {
		return nil, err
	}
	defer func() { _ = sess.engine.Cleanup() }()

	ar, err := sess.engine.Apply(ctx)
	if err != nil {
		// Keep whatever the engine managed to create; the digest stays at
		// the last successful apply so the build re-runs next time.
		t.savePartial(ctx, s, sess)
		return &Result{Success: false, ErrorMessage: err.Error()}, err
	}

	st := &terraform.State{
		Engine:        ar.State,
		AppliedDigest: s.Digest,
		Outputs:       ar.Outputs,
		UpdatedAt:     time.Now().UTC(),
	}
	if err := t.stateStore.SaveState(ctx, s.Key(), st); err != nil {
		return nil, err
	}

	logger.L().Info("stack applied", logger.Stack(s.Key()), zap.String("image", s.Image.String()))
	return &Result{
		Success: true,
		Outputs: ar.Outputs,
		Image:   s.Image.String(),
		Digest:  s.Digest.String(),
	}, nil
}

func (t *TerraformProvisioner) savePartial(ctx context.Context, s *stack.Stack, sess *session) {
	state, err := sess.engine.ReadState()
	if err != nil || len(state) == 0 {
		return
	}
	st := &terraform.State{Engine: state, UpdatedAt: time.Now().UTC()}
	if sess.prev != nil {
		st.AppliedDigest = sess.prev.AppliedDigest
		st.Outputs = sess.prev.Outputs
	}
	if err := t.stateStore.SaveState(context.WithoutCancel(ctx), s.Key(), st); err != nil {
		logger.L().Error("failed to save partial state", logger.Stack(s.Key()), zap.Error(err))
	}
}

func (t *TerraformProvisioner) Destroy(ctx context.Context, s *stack.Stack, opts RunOptions) (res *Result, err error) {
	start := time.Now()
	defer func() { metrics.RecordEngineRun("destroy", time.Since(start), err) }()

	unlock, err := t.lock(ctx, s, opts.Holder)
	if err != nil {
		return nil, err
	}
	defer unlock()

	sess, err := t.open(ctx, s, opts, "destroy")
	if err != nil {
		return nil, err
	}
	defer func() { _ = sess.engine.Cleanup() }()

	remaining, err := sess.engine.Destroy(ctx)
	if err != nil {
		t.savePartial(ctx, s, sess)
		return &Result{Success: false, ErrorMessage: err.Error()}, err
	}
	if err := t.stateStore.SaveState(ctx, s.Key(), &terraform.State{Engine: remaining, UpdatedAt: time.Now().UTC()}); err != nil {
		return nil, err
	}
	logger.L().Info("stack destroyed", logger.Stack(s.Key()))
	return &Result{Success: true}, nil
}

func (t *TerraformProvisioner) GetState(ctx context.Context, key string) (*terraform.State, error) {
	return t.stateStore.GetState(ctx, key)
}

func dirName(key string) string {
	return strings.ReplaceAll(key, "/", "__")
}
