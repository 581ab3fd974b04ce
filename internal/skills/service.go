package skills

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/knothq/gated/internal/audit"
	"github.com/knothq/gated/internal/persistence"
	"github.com/knothq/gated/internal/protocol"
)

// ServiceConfig wires the skills service.
type ServiceConfig struct {
	Logger     *slog.Logger
	Store      *persistence.Store
	HomeDir    string // GATED_HOME; user skills and installs live under it
	ProjectDir string // optional workspace skills dir
}

// Service fronts the loader, installer, and watcher behind the gateway's
// skills methods. The loaded set is cached and refreshed when the watcher
// fires or after an install or update.
type Service struct {
	logger    *slog.Logger
	loader    *Loader
	installer *Installer
	watcher   *Watcher

	mu     sync.RWMutex
	loaded []LoadedSkill
}

func NewService(cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	userDir := filepath.Join(cfg.HomeDir, "skills")
	installedDir := filepath.Join(cfg.HomeDir, "installed")
	return &Service{
		logger:    logger,
		loader:    NewLoader(cfg.ProjectDir, userDir, installedDir, logger),
		installer: NewInstaller(cfg.HomeDir, cfg.Store, logger),
		watcher:   NewWatcher([]string{cfg.ProjectDir, userDir, installedDir}, logger),
	}
}

// Start loads the initial skill set and begins watching for changes.
func (s *Service) Start(ctx context.Context) error {
	s.reload(ctx)
	if err := s.watcher.Start(ctx); err != nil {
		return err
	}
	go func() {
		for range s.watcher.Events() {
			s.logger.Info("skill sources changed, reloading")
			s.reload(ctx)
		}
	}()
	return nil
}

func (s *Service) reload(ctx context.Context) {
	loaded, err := s.loader.LoadAll(ctx)
	if err != nil {
		s.logger.Warn("skill load finished with errors", "error", err)
	}
	s.mu.Lock()
	s.loaded = loaded
	s.mu.Unlock()
}

// Status reports every discovered skill and its eligibility.
func (s *Service) Status(_ context.Context) (any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]map[string]any, 0, len(s.loaded))
	for _, ls := range s.loaded {
		entry := map[string]any{
			"name":     ls.Skill.Name,
			"source":   ls.Skill.Source,
			"eligible": ls.Eligible,
		}
		if ls.Skill.Description != "" {
			entry["description"] = ls.Skill.Description
		}
		if len(ls.Missing) > 0 {
			entry["missing"] = ls.Missing
		}
		out = append(out, entry)
	}
	return map[string]any{"skills": out}, nil
}

// Install fetches a skill from a git URL and loads it.
func (s *Service) Install(ctx context.Context, sourceURL string) (any, error) {
	name, err := s.installer.Install(ctx, sourceURL, "")
	if err != nil {
		audit.Record("skills.install", "deny", sourceURL, err.Error())
		return nil, protocol.NewError(protocol.CodeInvalidRequest, "install skill: %v", err)
	}
	audit.Record("skills.install", "allow", name, "")
	s.reload(ctx)
	return map[string]any{"installed": name}, nil
}

// Update refetches an installed skill from its recorded source.
func (s *Service) Update(ctx context.Context, name string) (any, error) {
	if err := s.installer.Update(ctx, name); err != nil {
		return nil, protocol.NewError(protocol.CodeNotFound, "update skill: %v", err)
	}
	s.reload(ctx)
	return map[string]any{"updated": name}, nil
}
