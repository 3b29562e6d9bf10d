package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storycraft/deploy/internal/provisioner/terraform"
	"github.com/storycraft/deploy/pkg/config"
	appErr "github.com/storycraft/deploy/pkg/errors"
	"github.com/storycraft/deploy/pkg/logger"
)

func TestMain(m *testing.M) {
	if _, err := logger.Init("error", "json"); err != nil {
		panic("failed to init logger: " + err.Error())
	}
	os.Exit(m.Run())
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte("FROM node:20\n"), 0o644))
	return &config.Config{
		ProjectID:           "storycraft-dev",
		Region:              "us-central1",
		FirestoreDatabaseID: "(default)",
		FirestoreRegion:     "us-central1",
		ServiceName:         "storycraft",
		GoogleClientID:      "client-id",
		GoogleClientSecret:  "client-secret",
		EnablePublicAccess:  true,
		AppDir:              dir,
		StateDir:            t.TempDir(),
	}
}

func TestOpenStateStoreDefaultsToFiles(t *testing.T) {
	c := testConfig(t)
	store, db, err := OpenStateStore(context.Background(), c)
	require.NoError(t, err)
	assert.Nil(t, db)
	assert.IsType(t, &terraform.FileStateStore{}, store)
}

func TestOpenDatabaseRequiresURL(t *testing.T) {
	_, err := OpenDatabase(context.Background(), testConfig(t))
	require.Error(t, err)
	assert.True(t, appErr.IsCode(err, appErr.CodeInvalid))
}

func TestPushCommand(t *testing.T) {
	c := testConfig(t)
	cmd, err := PushCommand(c, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"storycraft"}, cmd)

	cmd, err = PushCommand(c, true)
	require.NoError(t, err)
	require.Len(t, cmd, 1)
	assert.True(t, filepath.IsAbs(cmd[0]))

	c.StorycraftBin = "/usr/local/bin/storycraft"
	cmd, err = PushCommand(c, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"/usr/local/bin/storycraft"}, cmd)
}

func TestStackBuilderRehashes(t *testing.T) {
	c := testConfig(t)
	build := StackBuilder(c, []string{"storycraft"})

	first, err := build()
	require.NoError(t, err)
	assert.Equal(t, StackKey(c), first.Key())

	require.NoError(t, os.WriteFile(filepath.Join(c.AppDir, "Dockerfile"), []byte("FROM node:22\n"), 0o644))
	second, err := build()
	require.NoError(t, err)
	assert.NotEqual(t, first.Digest, second.Digest)
	assert.NotEqual(t, first.Image.Tag, second.Image.Tag)
}

func TestCheckAPIAuth(t *testing.T) {
	c := testConfig(t)
	c.AppEnv = "production"
	err := CheckAPIAuth(c)
	require.Error(t, err)
	assert.True(t, appErr.IsCode(err, appErr.CodeInvalid))

	c.APIToken = "token"
	assert.NoError(t, CheckAPIAuth(c))

	c.APIToken = ""
	c.AppEnv = "development"
	assert.NoError(t, CheckAPIAuth(c))
}
