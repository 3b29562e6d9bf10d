package terraform

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/hashicorp/terraform-exec/tfexec"
	tfjson "github.com/hashicorp/terraform-json"
	"go.uber.org/zap"

	"github.com/storycraft/deploy/internal/provisioner/compiler"
	appErr "github.com/storycraft/deploy/pkg/errors"
	"github.com/storycraft/deploy/pkg/logger"
)

const (
	stateFile = "terraform.tfstate"
	planFile  = "storycraft.tfplan"
)

// Executor wraps terraform-exec for one working directory.
type Executor struct {
	workingDir string
	binary     string
	env        map[string]string
	output     io.Writer
	tf         *tfexec.Terraform
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithBinary sets the engine binary. Default is "terraform" on PATH.
func WithBinary(path string) ExecutorOption {
	return func(e *Executor) { e.binary = path }
}

// WithEnv adds variables to the engine process environment.
func WithEnv(env map[string]string) ExecutorOption {
	return func(e *Executor) { e.env = env }
}

// WithOutput streams engine stdout and stderr to w.
func WithOutput(w io.Writer) ExecutorOption {
	return func(e *Executor) { e.output = w }
}

// NewExecutor returns an executor for workingDir. A relative workingDir is
// made absolute, as terraform resolves path arguments against its own
// working directory.
func NewExecutor(workingDir string, opts ...ExecutorOption) *Executor {
	if abs, err := filepath.Abs(workingDir); err == nil {
		workingDir = abs
	}
	e := &Executor{workingDir: workingDir, binary: "terraform"}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Executor) WorkingDir() string { return e.workingDir }

// Env returns the variables added to the engine environment.
func (e *Executor) Env() map[string]string { return e.env }

// Initialize writes the configuration files and runs terraform init.
func (e *Executor) Initialize(ctx context.Context, code *compiler.TerraformCode) error {
	if err := WriteFiles(e.workingDir, code); err != nil {
		return err
	}

	tfPath, err := exec.LookPath(e.binary)
	if err != nil {
		return appErr.Wrap(err, appErr.CodeUnavailable, "terraform binary not found")
	}

	tf, err := tfexec.NewTerraform(e.workingDir, tfPath)
	if err != nil {
		return fmt.Errorf("create terraform executor: %w", err)
	}
	if len(e.env) > 0 {
		if err := tf.SetEnv(processEnv(os.Environ(), e.env)); err != nil {
			return fmt.Errorf("set terraform env: %w", err)
		}
	}
	if e.output != nil {
		tf.SetStdout(e.output)
		tf.SetStderr(e.output)
	}
	e.tf = tf

	logger.L().Info("running terraform init", zap.String("working_dir", e.workingDir))
	if err := tf.Init(ctx, tfexec.Upgrade(false)); err != nil {
		return engineErr(err, "terraform init")
	}
	return nil
}

// Plan runs terraform plan and summarizes the resulting plan file.
func (e *Executor) Plan(ctx context.Context) (*PlanResult, error) {
	logger.L().Info("running terraform plan", zap.String("working_dir", e.workingDir))

	out := filepath.Join(e.workingDir, planFile)
	hasChanges, err := e.tf.Plan(ctx, tfexec.Out(out))
	if err != nil {
		return nil, engineErr(err, "terraform plan")
	}

	res := &PlanResult{HasChanges: hasChanges}
	plan, err := e.tf.ShowPlanFile(ctx, out)
	if err != nil {
		logger.L().Warn("failed to read plan file", zap.Error(err))
		return res, nil
	}
	res.Adds, res.Changes, res.Destroys = CountChanges(plan)
	if b, err := json.Marshal(plan.ResourceChanges); err == nil {
		res.PlanOutput = string(b)
	}
	return res, nil
}

// Apply runs terraform apply and returns outputs and the raw state.
func (e *Executor) Apply(ctx context.Context) (*ApplyResult, error) {
	logger.L().Info("running terraform apply", zap.String("working_dir", e.workingDir))

	if err := e.tf.Apply(ctx); err != nil {
		return nil, engineErr(err, "terraform apply")
	}

	outputs, err := e.Output(ctx)
	if err != nil {
		logger.L().Warn("failed to get outputs", zap.Error(err))
	}

	state, err := e.ReadState()
	if err != nil {
		return nil, err
	}
	return &ApplyResult{Outputs: outputs, State: state}, nil
}

// Destroy runs terraform destroy and returns the remaining state.
func (e *Executor) Destroy(ctx context.Context) ([]byte, error) {
	logger.L().Info("running terraform destroy", zap.String("working_dir", e.workingDir))

	if err := e.tf.Destroy(ctx); err != nil {
		return nil, engineErr(err, "terraform destroy")
	}
	return e.ReadState()
}

// Output returns the decoded root module outputs.
func (e *Executor) Output(ctx context.Context) (map[string]any, error) {
	meta, err := e.tf.Output(ctx)
	if err != nil {
		return nil, engineErr(err, "terraform output")
	}
	return DecodeOutputs(meta)
}

// RestoreState writes a previously saved state into the working directory.
func (e *Executor) RestoreState(state []byte) error {
	if len(state) == 0 {
		return nil
	}
	if err := os.MkdirAll(e.workingDir, 0o755); err != nil {
		return fmt.Errorf("create working dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(e.workingDir, stateFile), state, 0o600); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	return nil
}

// ReadState returns the local state file, or nil when there is none.
func (e *Executor) ReadState() ([]byte, error) {
	b, err := os.ReadFile(filepath.Join(e.workingDir, stateFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}
	return b, nil
}

// Cleanup removes the working directory.
func (e *Executor) Cleanup() error {
	return os.RemoveAll(e.workingDir)
}

type PlanResult struct {
	HasChanges bool
	Adds       int
	Changes    int
	Destroys   int
	PlanOutput string
}

type ApplyResult struct {
	Outputs map[string]any
	State   []byte
}

// WriteFiles writes the generated configuration to dir.
func WriteFiles(dir string, code *compiler.TerraformCode) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create working dir: %w", err)
	}
	for filename, content := range code.Files() {
		if err := os.WriteFile(filepath.Join(dir, filename), []byte(content), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", filename, err)
		}
	}
	return nil
}

// CountChanges tallies planned creates, in-place updates and deletes. A
// replacement counts as one create and one delete.
func CountChanges(plan *tfjson.Plan) (adds, changes, destroys int) {
	if plan == nil {
		return 0, 0, 0
	}
	for _, rc := range plan.ResourceChanges {
		if rc == nil || rc.Change == nil {
			continue
		}
		a := rc.Change.Actions
		switch {
		case a.Replace():
			adds++
			destroys++
		case a.Create():
			adds++
		case a.Update():
			changes++
		case a.Delete():
			destroys++
		}
	}
	return adds, changes, destroys
}

// DecodeOutputs unwraps output values. Sensitive values are kept out.
func DecodeOutputs(meta map[string]tfexec.OutputMeta) (map[string]any, error) {
	out := make(map[string]any, len(meta))
	for key, m := range meta {
		if m.Sensitive {
			out[key] = "(sensitive)"
			continue
		}
		var v any
		if err := json.Unmarshal(m.Value, &v); err != nil {
			return nil, fmt.Errorf("decode output %s: %w", key, err)
		}
		out[key] = v
	}
	return out, nil
}

// processEnv merges extra into base. terraform-exec replaces the whole
// environment once SetEnv is called.
func processEnv(base []string, extra map[string]string) map[string]string {
	env := make(map[string]string, len(base)+len(extra))
	for _, kv := range base {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		env[k] = v
	}
	for k, v := range extra {
		env[k] = v
	}
	for k := range env {
		if _, managed := managedEnv[k]; managed {
			delete(env, k)
		}
	}
	return env
}

// managedEnv are variables terraform-exec sets itself and rejects in SetEnv.
var managedEnv = map[string]struct{}{
	"CHECKPOINT_DISABLE":      {},
	"TF_APPEND_USER_AGENT":    {},
	"TF_IN_AUTOMATION":        {},
	"TF_LOG":                  {},
	"TF_LOG_CORE":             {},
	"TF_LOG_PATH":             {},
	"TF_LOG_PROVIDER":         {},
	"TF_REATTACH_PROVIDERS":   {},
	"TF_DISABLE_PLUGIN_TLS":   {},
	"TF_SKIP_PROVIDER_VERIFY": {},
	"TF_WORKSPACE":            {},
}

func engineErr(err error, op string) error {
	return appErr.Wrap(err, appErr.CodeEngineFailed, op+" failed")
}
