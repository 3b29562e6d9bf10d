// Package imagebuild builds the application image from its build context
// and pushes it to Artifact Registry. It is what the build action of the
// stack runs.
package imagebuild

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/moby/go-archive"
	"github.com/moby/patternmatcher/ignorefile"
	"go.uber.org/zap"

	"github.com/storycraft/deploy/internal/metrics"
	"github.com/storycraft/deploy/internal/stack"
	appErr "github.com/storycraft/deploy/pkg/errors"
	"github.com/storycraft/deploy/pkg/logger"
)

// RegistryUser is the user name Artifact Registry expects with an access token.
const RegistryUser = "oauth2accesstoken"

// Platform is the only platform Cloud Run runs.
const Platform = "linux/amd64"

// DockerAPI is the part of the Docker Engine client the builder uses.
type DockerAPI interface {
	ImageBuild(ctx context.Context, buildContext io.Reader, options build.ImageBuildOptions) (build.ImageBuildResponse, error)
	ImagePush(ctx context.Context, image string, options image.PushOptions) (io.ReadCloser, error)
	Close() error
}

// NewDockerClient connects to the daemon named by the DOCKER_* environment.
func NewDockerClient() (*client.Client, error) {
	c, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeUnavailable, "create docker client")
	}
	return c, nil
}

// TokenSource yields a short-lived registry access token.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// GcloudTokenSource runs `gcloud auth print-access-token`.
type GcloudTokenSource struct {
	// Binary defaults to "gcloud".
	Binary string
}

func (g GcloudTokenSource) Token(ctx context.Context) (string, error) {
	bin := g.Binary
	if bin == "" {
		bin = "gcloud"
	}
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, "auth", "print-access-token")
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return "", appErr.Wrap(err, appErr.CodeBuildFailed, "registry authentication failed").
			WithMeta("stderr", strings.TrimSpace(stderr.String()))
	}
	token := strings.TrimSpace(string(out))
	if token == "" {
		return "", appErr.New(appErr.CodeBuildFailed, "registry authentication returned an empty token")
	}
	return token, nil
}

// Request is one build and push.
type Request struct {
	Image      stack.ImageRef
	ContextDir string
	// Dockerfile must lie inside ContextDir. Defaults to ContextDir/Dockerfile.
	Dockerfile string
}

// Builder builds and pushes images.
type Builder struct {
	docker DockerAPI
	tokens TokenSource
	out    io.Writer
}

// NewBuilder returns a Builder that streams progress to out.
func NewBuilder(docker DockerAPI, tokens TokenSource, out io.Writer) *Builder {
	if out == nil {
		out = io.Discard
	}
	return &Builder{docker: docker, tokens: tokens, out: out}
}

// Push authenticates, builds the image and pushes its tag. Any failure is a
// CodeBuildFailed or CodeInvalid error.
func (b *Builder) Push(ctx context.Context, req Request) (err error) {
	start := time.Now()
	log := logger.L().With(zap.String("image", req.Image.String()))
	defer func() {
		metrics.RecordImagePush(err)
		if err != nil {
			log.Error("image push failed", zap.Error(err), zap.Duration("duration", time.Since(start)))
			return
		}
		log.Info("image pushed", zap.Duration("duration", time.Since(start)))
	}()

	dockerfile, err := relativeDockerfile(req.ContextDir, req.Dockerfile)
	if err != nil {
		return err
	}

	token, err := b.tokens.Token(ctx)
	if err != nil {
		return err
	}

	tarball, err := buildContext(req.ContextDir)
	if err != nil {
		return err
	}
	defer tarball.Close()

	log.Info("building image", zap.String("context", req.ContextDir), zap.String("dockerfile", dockerfile))
	resp, err := b.docker.ImageBuild(ctx, tarball, build.ImageBuildOptions{
		Tags:        []string{req.Image.String()},
		Dockerfile:  dockerfile,
		Platform:    Platform,
		Remove:      true,
		ForceRemove: true,
		PullParent:  true,
	})
	if err != nil {
		return appErr.Wrap(err, appErr.CodeBuildFailed, "image build request failed")
	}
	err = jsonmessage.DisplayJSONMessagesStream(resp.Body, b.out, 0, false, nil)
	resp.Body.Close()
	if err != nil {
		return appErr.Wrap(err, appErr.CodeBuildFailed, "image build failed")
	}

	auth, err := registry.EncodeAuthConfig(registry.AuthConfig{
		Username:      RegistryUser,
		Password:      token,
		ServerAddress: req.Image.RegistryHost(),
	})
	if err != nil {
		return appErr.Wrap(err, appErr.CodeBuildFailed, "encode registry credentials")
	}

	log.Info("pushing image")
	body, err := b.docker.ImagePush(ctx, req.Image.String(), image.PushOptions{RegistryAuth: auth})
	if err != nil {
		return appErr.Wrap(err, appErr.CodeBuildFailed, "image push request failed")
	}
	defer body.Close()
	if err := jsonmessage.DisplayJSONMessagesStream(body, b.out, 0, false, nil); err != nil {
		return appErr.Wrap(err, appErr.CodeBuildFailed, "image push failed")
	}
	return nil
}

func relativeDockerfile(contextDir, dockerfile string) (string, error) {
	if contextDir == "" {
		return "", appErr.New(appErr.CodeInvalid, "missing build context")
	}
	if dockerfile == "" {
		return "Dockerfile", nil
	}
	absCtx, err := filepath.Abs(contextDir)
	if err != nil {
		return "", appErr.Wrap(err, appErr.CodeInvalid, "resolve build context")
	}
	absFile, err := filepath.Abs(dockerfile)
	if err != nil {
		return "", appErr.Wrap(err, appErr.CodeInvalid, "resolve dockerfile")
	}
	rel, err := filepath.Rel(absCtx, absFile)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", appErr.Newf(appErr.CodeInvalid, "dockerfile %s is outside the build context %s", dockerfile, contextDir)
	}
	return filepath.ToSlash(rel), nil
}

// buildContext tars dir, honoring its .dockerignore.
func buildContext(dir string) (io.ReadCloser, error) {
	excludes, err := readDockerignore(dir)
	if err != nil {
		return nil, err
	}
	rc, err := archive.TarWithOptions(dir, &archive.TarOptions{
		ExcludePatterns: excludes,
		Compression:     archive.Uncompressed,
	})
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeBuildFailed, "archive build context")
	}
	return rc, nil
}

func readDockerignore(dir string) ([]string, error) {
	f, err := os.Open(filepath.Join(dir, ".dockerignore"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeBuildFailed, "read .dockerignore")
	}
	defer f.Close()
	patterns, err := ignorefile.ReadAll(f)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeBuildFailed, "parse .dockerignore")
	}
	return patterns, nil
}
