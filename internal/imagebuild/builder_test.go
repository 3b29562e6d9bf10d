package imagebuild

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/storycraft/deploy/internal/stack"
	"github.com/storycraft/deploy/pkg/contenthash"
	appErr "github.com/storycraft/deploy/pkg/errors"
)

type mockDocker struct {
	mock.Mock
	contextFiles []string
}

func (m *mockDocker) ImageBuild(ctx context.Context, buildContext io.Reader, options build.ImageBuildOptions) (build.ImageBuildResponse, error) {
	tr := tar.NewReader(buildContext)
	for {
		h, err := tr.Next()
		if err != nil {
			break
		}
		if h.Typeflag == tar.TypeReg {
			m.contextFiles = append(m.contextFiles, h.Name)
		}
	}
	sort.Strings(m.contextFiles)
	args := m.Called(ctx, options)
	return args.Get(0).(build.ImageBuildResponse), args.Error(1)
}

func (m *mockDocker) ImagePush(ctx context.Context, ref string, options image.PushOptions) (io.ReadCloser, error) {
	args := m.Called(ctx, ref, options)
	if v := args.Get(0); v != nil {
		return v.(io.ReadCloser), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockDocker) Close() error { return nil }

type staticToken struct {
	token string
	err   error
}

func (s staticToken) Token(context.Context) (string, error) { return s.token, s.err }

func stream(lines ...string) io.ReadCloser {
	var b bytes.Buffer
	for _, l := range lines {
		b.WriteString(l + "\n")
	}
	return io.NopCloser(&b)
}

func appDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"Dockerfile":          "FROM node:20\nCOPY . .\n",
		"package.json":        "{}",
		".dockerignore":       "node_modules\n*.log\n",
		"node_modules/x/a.js": "x",
		"debug.log":           "noise",
		"src/app/page.tsx":    "export default function Page() {}",
	}
	for name, body := range files {
		p := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	}
	return dir
}

func testImage() stack.ImageRef {
	return stack.NewImageRef("us-central1", "storycraft-dev", "storycraft", "storycraft", contenthash.Sum([]byte("FROM node:20\n")))
}

func TestPushBuildsAndPushes(t *testing.T) {
	dir := appDir(t)
	img := testImage()
	docker := &mockDocker{}
	docker.On("ImageBuild", mock.Anything, mock.MatchedBy(func(o build.ImageBuildOptions) bool {
		return o.Dockerfile == "Dockerfile" && o.Platform == Platform && len(o.Tags) == 1 && o.Tags[0] == img.String()
	})).Return(build.ImageBuildResponse{Body: stream(`{"stream":"Step 1/2 : FROM node:20"}`)}, nil)
	docker.On("ImagePush", mock.Anything, img.String(), mock.Anything).Return(stream(`{"status":"Pushed"}`), nil)

	var out bytes.Buffer
	b := NewBuilder(docker, staticToken{token: "ya29.token"}, &out)
	require.NoError(t, b.Push(context.Background(), Request{Image: img, ContextDir: dir, Dockerfile: filepath.Join(dir, "Dockerfile")}))

	docker.AssertExpectations(t)
	assert.Contains(t, out.String(), "Step 1/2")
	assert.Equal(t, []string{".dockerignore", "Dockerfile", "package.json", "src/app/page.tsx"}, docker.contextFiles)

	opts := docker.Calls[1].Arguments.Get(2).(image.PushOptions)
	auth, err := registry.DecodeAuthConfig(opts.RegistryAuth)
	require.NoError(t, err)
	assert.Equal(t, RegistryUser, auth.Username)
	assert.Equal(t, "ya29.token", auth.Password)
	assert.Equal(t, "us-central1-docker.pkg.dev", auth.ServerAddress)
}

func TestPushStopsOnBuildError(t *testing.T) {
	docker := &mockDocker{}
	docker.On("ImageBuild", mock.Anything, mock.Anything).Return(build.ImageBuildResponse{
		Body: stream(`{"errorDetail":{"message":"npm ci failed"},"error":"npm ci failed"}`),
	}, nil)

	err := NewBuilder(docker, staticToken{token: "t"}, nil).Push(context.Background(), Request{Image: testImage(), ContextDir: appDir(t)})
	require.Error(t, err)
	assert.True(t, appErr.IsCode(err, appErr.CodeBuildFailed))
	assert.Contains(t, err.Error(), "npm ci failed")
	docker.AssertNotCalled(t, "ImagePush", mock.Anything, mock.Anything, mock.Anything)
}

func TestPushFailsOnPushError(t *testing.T) {
	docker := &mockDocker{}
	docker.On("ImageBuild", mock.Anything, mock.Anything).Return(build.ImageBuildResponse{Body: stream(`{"stream":"ok"}`)}, nil)
	docker.On("ImagePush", mock.Anything, mock.Anything, mock.Anything).Return(stream(`{"errorDetail":{"message":"denied"},"error":"denied"}`), nil)

	err := NewBuilder(docker, staticToken{token: "t"}, nil).Push(context.Background(), Request{Image: testImage(), ContextDir: appDir(t)})
	require.Error(t, err)
	assert.True(t, appErr.IsCode(err, appErr.CodeBuildFailed))
}

func TestPushFailsWithoutToken(t *testing.T) {
	docker := &mockDocker{}
	tokenErr := appErr.Wrap(errors.New("exit status 1"), appErr.CodeBuildFailed, "registry authentication failed")
	err := NewBuilder(docker, staticToken{err: tokenErr}, nil).Push(context.Background(), Request{Image: testImage(), ContextDir: appDir(t)})
	require.Error(t, err)
	assert.True(t, appErr.IsCode(err, appErr.CodeBuildFailed))
	docker.AssertNotCalled(t, "ImageBuild", mock.Anything, mock.Anything)
}

func TestRelativeDockerfile(t *testing.T) {
	rel, err := relativeDockerfile("./app", "./app/docker/Dockerfile.prod")
	require.NoError(t, err)
	assert.Equal(t, "docker/Dockerfile.prod", rel)

	rel, err = relativeDockerfile("./app", "")
	require.NoError(t, err)
	assert.Equal(t, "Dockerfile", rel)

	_, err = relativeDockerfile("./app", "./other/Dockerfile")
	require.Error(t, err)
	assert.True(t, appErr.IsCode(err, appErr.CodeInvalid))

	_, err = relativeDockerfile("", "Dockerfile")
	require.Error(t, err)
}

func TestGcloudTokenSourceFailure(t *testing.T) {
	_, err := GcloudTokenSource{Binary: filepath.Join(t.TempDir(), "no-gcloud")}.Token(context.Background())
	require.Error(t, err)
	assert.True(t, appErr.IsCode(err, appErr.CodeBuildFailed))
}
