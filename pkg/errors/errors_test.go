package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapKeepsChain(t *testing.T) {
	root := stderrors.New("exit status 1")
	err := Wrap(root, CodeBuildFailed, "docker build")

	require.ErrorIs(t, err, root)
	assert.True(t, IsCode(err, CodeBuildFailed))
	assert.Equal(t, "build_failed: docker build: exit status 1", err.Error())
}

func TestIsCodeThroughFmtWrap(t *testing.T) {
	err := fmt.Errorf("apply: %w", New(CodeEngineFailed, "terraform apply"))

	assert.True(t, IsCode(err, CodeEngineFailed))
	assert.False(t, IsCode(err, CodeBuildFailed))
	assert.Equal(t, CodeEngineFailed, CodeOf(err))
	assert.Equal(t, CodeUnknown, CodeOf(stderrors.New("plain")))
}

func TestWrapNil(t *testing.T) {
	err := Wrap(nil, CodeInvalid, "missing project")
	assert.Nil(t, err.Unwrap())
	assert.Equal(t, "invalid: missing project", err.Error())
}

func TestWithMeta(t *testing.T) {
	err := Newf(CodeLocked, "stack %s is locked", "storycraft").WithMeta("holder", "worker-1")
	assert.Equal(t, "worker-1", err.Meta["holder"])
	assert.Equal(t, "locked: stack storycraft is locked", err.Error())
}
