// Package app wires configuration to the state store, provisioner and
// stack shared by the CLI, API and worker.
package app

import (
	"context"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/storycraft/deploy/internal/provisioner"
	"github.com/storycraft/deploy/internal/provisioner/terraform"
	"github.com/storycraft/deploy/internal/repository"
	"github.com/storycraft/deploy/internal/stack"
	"github.com/storycraft/deploy/pkg/config"
	"github.com/storycraft/deploy/pkg/database"
	appErr "github.com/storycraft/deploy/pkg/errors"
	"github.com/storycraft/deploy/pkg/logger"
)

// OpenDatabase connects to DATABASE_URL and migrates the schema.
func OpenDatabase(ctx context.Context, c *config.Config) (*gorm.DB, error) {
	if c.DatabaseURL == "" {
		return nil, appErr.New(appErr.CodeInvalid, "DATABASE_URL is not set")
	}
	db, err := database.OpenPostgres(ctx, c.DatabaseURL, database.Options{Verbose: c.LogLevel == "debug"})
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeUnavailable, "connect to database")
	}
	if err := database.Migrate(db); err != nil {
		CloseDatabase(db)
		return nil, appErr.Wrap(err, appErr.CodeInternal, "migrate database")
	}
	return db, nil
}

// CloseDatabase releases the pool behind db. A nil db is ignored.
func CloseDatabase(db *gorm.DB) {
	if db == nil {
		return
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

// OpenStateStore returns the Postgres store when DATABASE_URL is set and a
// file store under STATE_DIR otherwise. The returned db is nil for the
// file store.
func OpenStateStore(ctx context.Context, c *config.Config) (terraform.StateStore, *gorm.DB, error) {
	if c.DatabaseURL == "" {
		logger.L().Debug("using file state store", zap.String("dir", c.StateDir))
		return terraform.NewFileStateStore(c.StateDir), nil, nil
	}
	db, err := OpenDatabase(ctx, c)
	if err != nil {
		return nil, nil, err
	}
	logger.L().Debug("using database state store")
	return terraform.NewDatabaseStateStore(repository.NewStackStateRepository(db)), db, nil
}

// NewProvisioner returns the engine driver for c.
func NewProvisioner(c *config.Config, store terraform.StateStore) *provisioner.TerraformProvisioner {
	dir := c.WorkingDir
	if dir == "" {
		dir = filepath.Join(c.StateDir, "work")
	}
	var opts []provisioner.Option
	if c.TerraformBin != "" {
		opts = append(opts, provisioner.WithBinary(c.TerraformBin))
	}
	return provisioner.NewTerraformProvisioner(dir, store, opts...)
}

// PushCommand is the argv prefix the build action runs. STORYCRAFT_BIN
// wins; otherwise self selects the running executable over "storycraft" on
// PATH.
func PushCommand(c *config.Config, self bool) ([]string, error) {
	if c.StorycraftBin != "" {
		return []string{c.StorycraftBin}, nil
	}
	if !self {
		return []string{"storycraft"}, nil
	}
	exe, err := os.Executable()
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "locate executable")
	}
	return []string{exe}, nil
}

// StackBuilder returns a function that assembles the stack from c, hashing
// the build definition on every call.
func StackBuilder(c *config.Config, pushCommand []string) func() (*stack.Stack, error) {
	return func() (*stack.Stack, error) {
		return stack.Build(stack.InputsFromConfig(c, pushCommand))
	}
}

// CheckAPIAuth refuses an unauthenticated API in production, where it
// would accept apply and destroy requests from anyone who can reach it.
func CheckAPIAuth(c *config.Config) error {
	if c.APIToken == "" && c.AppEnv == "production" {
		return appErr.New(appErr.CodeInvalid, "API_TOKEN is required when APP_ENV=production")
	}
	return nil
}

// StackKey is the key of the configured stack.
func StackKey(c *config.Config) string {
	return stack.KeyOf(c.ProjectID, c.ServiceName)
}
