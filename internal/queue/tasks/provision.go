package tasks

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/storycraft/deploy/internal/models"
	"github.com/storycraft/deploy/internal/provisioner"
	"github.com/storycraft/deploy/internal/queue"
	"github.com/storycraft/deploy/internal/services"
	"github.com/storycraft/deploy/internal/stack"
	appErr "github.com/storycraft/deploy/pkg/errors"
	"github.com/storycraft/deploy/pkg/logger"
)

// StackBuilder assembles the stack a run converges on. It is called per run
// so a changed build definition is picked up.
type StackBuilder func() (*stack.Stack, error)

// ProvisionTaskHandler runs stack apply and destroy tasks.
type ProvisionTaskHandler struct {
	provisioner provisioner.Provisioner
	deploySvc   services.DeploymentService
	build       StackBuilder
}

func NewProvisionTaskHandler(prov provisioner.Provisioner, deploySvc services.DeploymentService, build StackBuilder) *ProvisionTaskHandler {
	return &ProvisionTaskHandler{provisioner: prov, deploySvc: deploySvc, build: build}
}

// Register routes both stack task types to h.
func (h *ProvisionTaskHandler) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(queue.TypeStackApply, h.HandleApply)
	mux.HandleFunc(queue.TypeStackDestroy, h.HandleDestroy)
}

func (h *ProvisionTaskHandler) HandleApply(ctx context.Context, t *asynq.Task) error {
	return h.handle(ctx, t, models.ActionApply)
}

func (h *ProvisionTaskHandler) HandleDestroy(ctx context.Context, t *asynq.Task) error {
	return h.handle(ctx, t, models.ActionDestroy)
}

func (h *ProvisionTaskHandler) handle(ctx context.Context, t *asynq.Task, action string) error {
	p, err := queue.ParsePayload(t)
	if err != nil {
		logger.L().Error("invalid stack task payload", zap.Error(err))
		return err
	}
	id, err := uuid.Parse(p.DeploymentID)
	if err != nil {
		logger.L().Error("invalid deployment id in task", zap.Error(err))
		return appErr.Wrap(err, appErr.CodeInvalid, "invalid deployment id")
	}
	log := logger.L().With(zap.String("deployment_id", id.String()), zap.String("action", action))

	d, err := h.deploySvc.GetDeployment(ctx, id)
	if err != nil {
		log.Error("get deployment failed", zap.Error(err))
		return err
	}
	if d.Status != models.StatusPending {
		log.Warn("deployment is not pending, skipping", zap.String("status", d.Status))
		return nil
	}
	if d.Action != action {
		return h.fail(ctx, id, appErr.Newf(appErr.CodeInvalid, "deployment action %q does not match task %q", d.Action, action))
	}

	if err := h.deploySvc.UpdateDeploymentStatus(ctx, id, models.StatusRunning, ""); err != nil {
		log.Error("update status failed", zap.Error(err))
		return err
	}

	s, err := h.build()
	if err != nil {
		return h.fail(ctx, id, err)
	}
	if d.Stack != s.Key() {
		return h.fail(ctx, id, appErr.Newf(appErr.CodeConflict, "deployment targets %s but worker is configured for %s", d.Stack, s.Key()))
	}
	if err := h.deploySvc.SetDeploymentImage(ctx, id, s.Image.Tag, s.Digest.String()); err != nil {
		log.Warn("record image failed", zap.Error(err))
	}
	h.note(ctx, id, "info", fmt.Sprintf("%s %s with image %s", action, s.Key(), s.Image), nil)

	out := newLogWriter(ctx, h.deploySvc, id)
	opts := provisioner.RunOptions{Holder: "deployment-" + id.String(), Output: out}

	var res *provisioner.Result
	if action == models.ActionApply {
		res, err = h.provisioner.Apply(ctx, s, opts)
	} else {
		res, err = h.provisioner.Destroy(ctx, s, opts)
	}
	out.Flush()
	if err != nil {
		return h.fail(ctx, id, err)
	}

	if action == models.ActionApply && res != nil {
		if err := h.deploySvc.SaveDeploymentOutputs(ctx, id, res.Outputs); err != nil {
			log.Error("save outputs failed", zap.Error(err))
		}
		if reminder, ok := res.Outputs["setup_reminder"].(string); ok {
			h.note(ctx, id, "warn", reminder, map[string]any{"oauth_redirect_uri": res.Outputs["oauth_redirect_uri"]})
		}
	}

	if err := h.deploySvc.UpdateDeploymentStatus(ctx, id, models.StatusCompleted, ""); err != nil {
		log.Error("update status failed", zap.Error(err))
		return err
	}
	log.Info("stack task completed", logger.Stack(s.Key()))
	return nil
}

// fail records err on the deployment and returns it to asynq.
func (h *ProvisionTaskHandler) fail(ctx context.Context, id uuid.UUID, err error) error {
	ctx = context.WithoutCancel(ctx)
	logger.L().Error("stack task failed", zap.String("deployment_id", id.String()), zap.Error(err))
	h.note(ctx, id, "error", err.Error(), map[string]any{"code": string(appErr.CodeOf(err))})
	if uerr := h.deploySvc.UpdateDeploymentStatus(ctx, id, models.StatusFailed, err.Error()); uerr != nil {
		logger.L().Error("update status failed", zap.String("deployment_id", id.String()), zap.Error(uerr))
	}
	return err
}

func (h *ProvisionTaskHandler) note(ctx context.Context, id uuid.UUID, level, msg string, data map[string]any) {
	if err := h.deploySvc.AppendLog(ctx, id, services.DeploymentLog{Level: level, Message: msg, Data: data}); err != nil {
		logger.L().Warn("append deployment log failed", zap.String("deployment_id", id.String()), zap.Error(err))
	}
}

// logWriter turns engine output into deployment log entries, one per line.
// Write never fails so a log outage cannot abort a run.
type logWriter struct {
	mu  sync.Mutex
	ctx context.Context
	svc services.DeploymentService
	id  uuid.UUID
	buf bytes.Buffer
}

func newLogWriter(ctx context.Context, svc services.DeploymentService, id uuid.UUID) *logWriter {
	return &logWriter{ctx: context.WithoutCancel(ctx), svc: svc, id: id}
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// incomplete line goes back for the next write
			w.buf.Reset()
			w.buf.WriteString(line)
			break
		}
		w.emit(line[:len(line)-1])
	}
	return len(p), nil
}

// Flush emits a trailing partial line.
func (w *logWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		w.emit(w.buf.String())
		w.buf.Reset()
	}
}

func (w *logWriter) emit(line string) {
	if line == "" {
		return
	}
	if err := w.svc.AppendLog(w.ctx, w.id, services.DeploymentLog{Level: "info", Message: line}); err != nil {
		logger.L().Warn("append engine output failed", zap.String("deployment_id", w.id.String()), zap.Error(err))
	}
}
