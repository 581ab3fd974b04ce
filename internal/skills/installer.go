package skills

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/knothq/gated/internal/persistence"
)

// Installer fetches skills from git into the installed directory and
// records provenance so Update can refetch the same source.
type Installer struct {
	installDir string
	store      *persistence.Store
	logger     *slog.Logger
	updateMu   sync.Map // skill name -> *sync.Mutex
}

func NewInstaller(homeDir string, store *persistence.Store, logger *slog.Logger) *Installer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Installer{
		installDir: filepath.Join(homeDir, "installed"),
		store:      store,
		logger:     logger,
	}
}

func (i *Installer) Install(ctx context.Context, sourceURL, ref string) (string, error) {
	owner, repo, subdir, refFromURL, err := parseSourceURL(sourceURL)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(ref) == "" {
		ref = refFromURL
	}

	name := owner + "-" + repo
	destDir := filepath.Join(i.installDir, name)
	if _, err := os.Stat(destDir); err == nil {
		return "", fmt.Errorf("skill already installed: %s", name)
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("stat install dir: %w", err)
	}
	if err := i.fetchInto(ctx, name, destDir, sourceURL, ref, subdir, false); err != nil {
		return "", err
	}
	return name, nil
}

func (i *Installer) Update(ctx context.Context, name string) error {
	safeName, destDir, err := i.resolveInstallDir(name)
	if err != nil {
		return err
	}

	mu, _ := i.updateMu.LoadOrStore(safeName, &sync.Mutex{})
	mu.(*sync.Mutex).Lock()
	defer mu.(*sync.Mutex).Unlock()

	if i.store == nil {
		return fmt.Errorf("missing store")
	}
	recs, err := i.store.ListInstalledSkills(ctx)
	if err != nil {
		return err
	}
	var rec *persistence.InstalledSkillRecord
	for idx := range recs {
		if recs[idx].SkillID == safeName {
			rec = &recs[idx]
			break
		}
	}
	if rec == nil {
		return fmt.Errorf("installed skill not found: %s", safeName)
	}

	_, _, subdir, refFromURL, err := parseSourceURL(rec.SourceURL)
	if err != nil {
		return err
	}
	ref := strings.TrimSpace(rec.Ref)
	if ref == "" {
		ref = refFromURL
	}
	return i.fetchInto(ctx, safeName, destDir, rec.SourceURL, ref, subdir, true)
}

func (i *Installer) Remove(ctx context.Context, name string) error {
	safeName, destDir, err := i.resolveInstallDir(name)
	if err != nil {
		return err
	}
	if _, err := os.Stat(destDir); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("skill not installed: %s", safeName)
		}
		return fmt.Errorf("stat install dir: %w", err)
	}
	if err := os.RemoveAll(destDir); err != nil {
		return fmt.Errorf("remove install dir: %w", err)
	}
	if i.store != nil {
		if err := i.store.RemoveInstalledSkill(ctx, safeName); err != nil {
			i.logger.Warn("skill removed from disk but db cleanup failed", "name", safeName, "error", err)
		}
	}
	i.logger.Info("skill removed", "name", safeName)
	return nil
}

// fetchInto clones the source, validates SKILL.md, and swaps the result
// into place atomically. On overwrite the previous install is kept as a
// .bak and restored if the swap fails.
func (i *Installer) fetchInto(ctx context.Context, name, destDir, srcURL, ref, subdir string, overwrite bool) error {
	if err := os.MkdirAll(i.installDir, 0o755); err != nil {
		return fmt.Errorf("create install dir: %w", err)
	}

	tmp, err := os.MkdirTemp(i.installDir, "clone-")
	if err != nil {
		return fmt.Errorf("mkdirtemp: %w", err)
	}
	defer func() { _ = os.RemoveAll(tmp) }()

	if err := gitClone(ctx, tmp, srcURL, ref); err != nil {
		return err
	}

	srcRoot := tmp
	if strings.TrimSpace(subdir) != "" {
		subdir = filepath.Clean(subdir)
		if subdir == ".." || strings.HasPrefix(subdir, ".."+string(filepath.Separator)) {
			return fmt.Errorf("invalid subdir: %q", subdir)
		}
		srcRoot = filepath.Join(tmp, subdir)
	}

	data, err := os.ReadFile(filepath.Join(srcRoot, "SKILL.md"))
	if err != nil {
		return fmt.Errorf("read SKILL.md: %w", err)
	}
	parsed, err := ParseSkillMD(data)
	if err != nil {
		return fmt.Errorf("parse SKILL.md: %w", err)
	}
	if eligible, missing := checkEligibility(parsed); !eligible {
		i.logger.Warn("installed skill is not eligible on this host", "name", name, "missing", missing)
	}

	staged, err := os.MkdirTemp(i.installDir, "staged-")
	if err != nil {
		return fmt.Errorf("mkdirtemp staged: %w", err)
	}
	defer func() { _ = os.RemoveAll(staged) }()

	stagedDest := filepath.Join(staged, "skill")
	if err := copyTreeExcludingGit(srcRoot, stagedDest); err != nil {
		return err
	}

	backupDir := destDir + ".bak"
	_ = os.RemoveAll(backupDir)
	if overwrite {
		if _, err := os.Stat(destDir); err == nil {
			if err := os.Rename(destDir, backupDir); err != nil {
				return fmt.Errorf("backup existing install: %w", err)
			}
		}
	}
	if err := os.Rename(stagedDest, destDir); err != nil {
		if overwrite {
			if _, statErr := os.Stat(backupDir); statErr == nil {
				_ = os.Rename(backupDir, destDir)
			}
		}
		return fmt.Errorf("move staged install: %w", err)
	}
	_ = os.RemoveAll(backupDir)

	// Record provenance after the swap so the db never claims an install
	// the disk does not have.
	if i.store != nil {
		if err := i.store.RegisterInstalledSkill(ctx, name, sourceType(srcURL), srcURL, ref); err != nil {
			i.logger.Warn("skill installed but db update failed", "name", name, "error", err)
		}
	}
	i.logger.Info("skill installed", "name", name, "dir", destDir, "ref", ref)
	return nil
}

func (i *Installer) resolveInstallDir(name string) (string, string, error) {
	safeName := strings.TrimSpace(name)
	if safeName == "" {
		return "", "", fmt.Errorf("empty skill name")
	}
	// Names are logical identifiers, not paths.
	if safeName == "." || safeName == ".." || strings.ContainsAny(safeName, `/\`) {
		return "", "", fmt.Errorf("invalid skill name: %q", name)
	}
	return safeName, filepath.Join(i.installDir, safeName), nil
}

func sourceType(srcURL string) string {
	trimmed := strings.TrimSpace(srcURL)
	if strings.HasPrefix(trimmed, "/") || strings.HasPrefix(trimmed, ".") || strings.HasPrefix(trimmed, "file://") {
		return "local"
	}
	return "github"
}

// parseSourceURL accepts github URLs (optionally with /tree/<ref>/<subdir>),
// scp-style git remotes, and local paths.
func parseSourceURL(raw string) (owner, repo, subdir, ref string, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", "", "", "", fmt.Errorf("empty url")
	}

	if strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, ".") {
		abs, err := filepath.Abs(raw)
		if err != nil {
			return "", "", "", "", fmt.Errorf("resolve local path: %w", err)
		}
		return "local", filepath.Base(abs), "", "", nil
	}

	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		if idx := strings.Index(raw, "github.com:"); idx >= 0 {
			after := strings.TrimSuffix(raw[idx+len("github.com:"):], ".git")
			parts := strings.Split(after, "/")
			if len(parts) >= 2 {
				return parts[0], parts[1], "", "", nil
			}
		}
		return "", "", "", "", fmt.Errorf("invalid url: %q", raw)
	}
	if u.Scheme == "file" {
		if u.Path == "" {
			return "", "", "", "", fmt.Errorf("invalid file url: %q", raw)
		}
		return "local", filepath.Base(u.Path), "", "", nil
	}

	host := strings.ToLower(u.Host)
	if host != "github.com" && host != "www.github.com" {
		return "", "", "", "", fmt.Errorf("unsupported host: %s", host)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 {
		return "", "", "", "", fmt.Errorf("invalid github url path: %q", u.Path)
	}
	owner = parts[0]
	repo = strings.TrimSuffix(parts[1], ".git")
	if owner == "" || repo == "" {
		return "", "", "", "", fmt.Errorf("invalid github url: %q", raw)
	}
	if len(parts) >= 4 && parts[2] == "tree" {
		ref = parts[3]
		if len(parts) > 4 {
			subdir = filepath.Join(parts[4:]...)
		}
	}
	return owner, repo, subdir, ref, nil
}

func gitClone(ctx context.Context, dstDir, srcURL, ref string) error {
	if _, err := exec.LookPath("git"); err != nil {
		return fmt.Errorf("git not found in PATH")
	}
	args := []string{"clone"}
	// Shallow clones are unreliable for local paths.
	if looksRemote(srcURL) {
		args = append(args, "--depth", "1")
	}
	if strings.TrimSpace(ref) != "" {
		args = append(args, "--branch", ref)
	}
	args = append(args, srcURL, dstDir)

	out, err := exec.CommandContext(ctx, "git", args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("git clone failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func looksRemote(srcURL string) bool {
	srcURL = strings.ToLower(strings.TrimSpace(srcURL))
	for _, prefix := range []string{"https://", "http://", "ssh://", "git@"} {
		if strings.HasPrefix(srcURL, prefix) {
			return true
		}
	}
	return false
}

func copyTreeExcludingGit(srcRoot, dstRoot string) error {
	if err := os.MkdirAll(dstRoot, 0o755); err != nil {
		return fmt.Errorf("mkdir dst: %w", err)
	}
	return filepath.WalkDir(srcRoot, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcRoot, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if base := filepath.Base(rel); base == ".git" {
			if d.IsDir() {
				return filepath.SkipDir
			}
			// .git can be a file in worktrees and submodules.
			return nil
		}

		dst := filepath.Join(dstRoot, rel)
		if d.IsDir() {
			return os.MkdirAll(dst, 0o755)
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("symlink not allowed in install: %s", rel)
		}
		srcFile, err := os.Open(path)
		if err != nil {
			return err
		}
		defer srcFile.Close()

		mode := info.Mode() & 0o777
		if mode == 0 {
			mode = 0o644
		}
		dstFile, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
		if err != nil {
			return err
		}
		defer dstFile.Close()
		_, err = io.Copy(dstFile, srcFile)
		return err
	})
}
