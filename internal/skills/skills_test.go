package skills

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleSkillMD = `---
name: weather
description: Fetch the forecast.
bins: []
---

Use the forecast API.
`

func writeSkill(t *testing.T, root, dir, md string) string {
	t.Helper()
	skillDir := filepath.Join(root, dir)
	if err := os.MkdirAll(skillDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(skillDir, "SKILL.md"), []byte(md), 0o644); err != nil {
		t.Fatal(err)
	}
	return skillDir
}

func TestParseSkillMD(t *testing.T) {
	s, err := ParseSkillMD([]byte(sampleSkillMD))
	if err != nil {
		t.Fatal(err)
	}
	if s.Name != "weather" || s.Description != "Fetch the forecast." {
		t.Fatalf("parsed = %+v", s)
	}
	if s.Instructions != "Use the forecast API." {
		t.Fatalf("instructions = %q", s.Instructions)
	}
}

func TestParseSkillMD_Invalid(t *testing.T) {
	cases := map[string]string{
		"no frontmatter": "just markdown",
		"unterminated":   "---\nname: x\n",
		"missing name":   "---\ndescription: d\n---\nbody",
	}
	for label, md := range cases {
		if _, err := ParseSkillMD([]byte(md)); err == nil {
			t.Errorf("%s: parse succeeded", label)
		}
	}
}

func TestLoader_PriorityCollision(t *testing.T) {
	projectDir := t.TempDir()
	userDir := t.TempDir()
	writeSkill(t, projectDir, "weather", sampleSkillMD)
	writeSkill(t, userDir, "Weather", sampleSkillMD)

	l := NewLoader(projectDir, userDir, "", slog.Default())
	loaded, err := l.LoadAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded) != 1 {
		t.Fatalf("loaded %d skills, want 1", len(loaded))
	}
	if loaded[0].Skill.Source != "project" {
		t.Fatalf("winner source = %q", loaded[0].Skill.Source)
	}
}

func TestLoader_MissingBinMarksIneligible(t *testing.T) {
	userDir := t.TempDir()
	writeSkill(t, userDir, "needy", `---
name: needy
bins: ["definitely-not-a-real-binary-xyz"]
---
body
`)
	l := NewLoader("", userDir, "", slog.Default())
	loaded, err := l.LoadAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded) != 1 || loaded[0].Eligible {
		t.Fatalf("loaded = %+v", loaded)
	}
	if len(loaded[0].Missing) == 0 {
		t.Fatal("missing requirements not reported")
	}
}

func TestParseSourceURL(t *testing.T) {
	owner, repo, subdir, ref, err := parseSourceURL("https://github.com/acme/widgets/tree/v2/skills/weather")
	if err != nil {
		t.Fatal(err)
	}
	if owner != "acme" || repo != "widgets" || ref != "v2" || subdir != filepath.Join("skills", "weather") {
		t.Fatalf("parsed = %s/%s ref=%s subdir=%s", owner, repo, ref, subdir)
	}

	if _, _, _, _, err := parseSourceURL("https://gitlab.com/acme/widgets"); err == nil {
		t.Fatal("non-github host accepted")
	}
}

func TestInstaller_RejectsPathyNames(t *testing.T) {
	i := NewInstaller(t.TempDir(), nil, slog.Default())
	for _, name := range []string{"", "..", "a/b", `a\b`} {
		if _, _, err := i.resolveInstallDir(name); err == nil {
			t.Errorf("name %q accepted", name)
		}
	}
}

func TestWatcher_FiresOnSkillChange(t *testing.T) {
	root := t.TempDir()
	skillDir := writeSkill(t, root, "weather", sampleSkillMD)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := NewWatcher([]string{root}, slog.Default())
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(filepath.Join(skillDir, "SKILL.md"), []byte(sampleSkillMD+"\nmore"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case <-w.Events():
	case <-time.After(3 * time.Second):
		t.Fatal("no watcher event after SKILL.md change")
	}
}

func TestService_StatusListsLoadedSkills(t *testing.T) {
	home := t.TempDir()
	writeSkill(t, filepath.Join(home, "skills"), "weather", sampleSkillMD)

	s := NewService(ServiceConfig{Logger: slog.Default(), HomeDir: home})
	s.reload(context.Background())

	out, err := s.Status(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	list := out.(map[string]any)["skills"].([]map[string]any)
	if len(list) != 1 || list[0]["name"] != "weather" {
		t.Fatalf("status = %+v", list)
	}
}
