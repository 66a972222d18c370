package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"failkit/internal/config"
	"failkit/internal/domain"
	"failkit/internal/events"
	"failkit/internal/repo"
)

// ResolveProjectAndConfig picks the active project and its config.
//
// A failkit.yml in the workspace wins and is mirrored into the database so
// the API serves the same settings. Without one the stored config is used,
// seeding defaults when the project is new. The project id comes from the
// override, then the config file, then the only project in the database.
func ResolveProjectAndConfig(ctx context.Context, workspace, projectOverride, actorID string, r repo.Repo) (string, *config.Config, error) {
	fileCfg, err := config.LoadOptional(workspace)
	if err != nil {
		return "", nil, err
	}
	projectID := projectOverride
	if projectID == "" && fileCfg != nil {
		projectID = fileCfg.Project.ID
	}
	if projectID == "" {
		p, err := r.SingleProject(ctx)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return "", nil, fmt.Errorf("project not specified; use --project or failkit config init")
			}
			return "", nil, err
		}
		projectID = p.ID
	}

	seedCfg := fileCfg
	if seedCfg == nil {
		seedCfg = config.Default(projectID)
	}
	if err := EnsureProject(ctx, r, projectID, seedCfg, actorID); err != nil {
		return "", nil, err
	}
	if fileCfg != nil {
		if err := r.UpsertProjectConfig(ctx, projectID, fileCfg); err != nil {
			return "", nil, fmt.Errorf("sync project config: %w", err)
		}
		return projectID, fileCfg, nil
	}

	cfg, err := r.GetProjectConfig(ctx, projectID)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if err := r.UpsertProjectConfig(ctx, projectID, seedCfg); err != nil {
			return "", nil, fmt.Errorf("seed project config: %w", err)
		}
		cfg = seedCfg
	}
	cfg.Project.ID = projectID
	return projectID, cfg, nil
}

// EnsureProject creates projectID with seedCfg unless it already exists.
func EnsureProject(ctx context.Context, r repo.Repo, projectID string, seedCfg *config.Config, actorID string) error {
	if _, err := r.GetProject(ctx, projectID); err == nil {
		return nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	if seedCfg == nil {
		seedCfg = config.Default(projectID)
	}
	now := time.Now().UTC()
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	p := domain.Project{ID: projectID, CreatedAt: now.Format(time.RFC3339)}
	if err := r.InsertProjectTx(ctx, tx, p); err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	if err := r.UpsertProjectConfigTx(ctx, tx, projectID, seedCfg); err != nil {
		return fmt.Errorf("insert project config: %w", err)
	}
	w := events.Writer{DB: r.DB, Now: func() time.Time { return now }}
	if err := w.Append(ctx, tx, events.ProjectInit, projectID, events.EntityProject, projectID, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}
