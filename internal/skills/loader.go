package skills

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// LoadedSkill pairs a parsed skill with its load outcome.
type LoadedSkill struct {
	Skill    Skill
	Eligible bool
	Missing  []string
}

// Loader scans skill directories in priority order. Project skills win
// over user skills, which win over installed ones.
type Loader struct {
	projectDir   string
	userDir      string
	installedDir string
	logger       *slog.Logger
}

func NewLoader(projectDir, userDir, installedDir string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		projectDir:   projectDir,
		userDir:      userDir,
		installedDir: installedDir,
		logger:       logger,
	}
}

func (l *Loader) LoadAll(ctx context.Context) ([]LoadedSkill, error) {
	sources := []struct {
		dir    string
		source string
	}{
		{l.projectDir, "project"},
		{l.userDir, "user"},
		{l.installedDir, "installed"},
	}

	seen := make(map[string]string) // canonical name -> winning source
	var out []LoadedSkill
	var errs []error

	for _, src := range sources {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		if strings.TrimSpace(src.dir) == "" {
			continue
		}
		base, err := filepath.Abs(src.dir)
		if err != nil {
			errs = append(errs, fmt.Errorf("resolve skills dir %s: %w", src.dir, err))
			continue
		}
		entries, err := os.ReadDir(base)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			errs = append(errs, fmt.Errorf("read skills dir %s: %w", base, err))
			continue
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

		for _, ent := range entries {
			if !ent.IsDir() {
				// Symlinked skill dirs are not followed.
				if ent.Type()&os.ModeSymlink != 0 {
					l.logger.Warn("skipping symlinked skill directory", "name", ent.Name(), "dir", base)
				}
				continue
			}
			key := CanonicalKey(ent.Name())
			if winner, dup := seen[key]; dup {
				l.logger.Info("skill name collision, keeping higher-priority source",
					"skill", ent.Name(),
					"winner_source", winner,
					"skipped_source", src.source,
				)
				continue
			}
			skillDir := filepath.Join(base, ent.Name())
			if _, err := os.Stat(filepath.Join(skillDir, "SKILL.md")); err != nil {
				continue
			}
			ls, err := l.LoadOne(skillDir, src.source)
			if err != nil {
				errs = append(errs, fmt.Errorf("load skill %s: %w", ent.Name(), err))
				continue
			}
			out = append(out, ls)
			seen[key] = src.source
		}
	}
	return out, errors.Join(errs...)
}

func (l *Loader) LoadOne(dir, source string) (LoadedSkill, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return LoadedSkill{}, fmt.Errorf("resolve dir: %w", err)
	}
	skillMD := filepath.Join(absDir, "SKILL.md")
	fi, err := os.Stat(skillMD)
	if err != nil {
		return LoadedSkill{}, fmt.Errorf("stat SKILL.md: %w", err)
	}
	if fi.Size() > maxSkillMDSize {
		return LoadedSkill{}, fmt.Errorf("SKILL.md too large: %d bytes (max %d)", fi.Size(), maxSkillMDSize)
	}
	data, err := os.ReadFile(skillMD)
	if err != nil {
		return LoadedSkill{}, fmt.Errorf("read SKILL.md: %w", err)
	}
	s, err := ParseSkillMD(data)
	if err != nil {
		return LoadedSkill{}, err
	}
	s.Source = source
	s.SourceDir = absDir

	if strings.TrimSpace(s.Compatibility) != "" {
		l.logger.Warn("skill compatibility is advisory", "skill", s.Name, "compatibility", s.Compatibility)
	}

	eligible, missing := checkEligibility(s)
	return LoadedSkill{Skill: s, Eligible: eligible, Missing: missing}, nil
}
