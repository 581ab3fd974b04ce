// Package skills loads and installs SKILL.md-backed extensions. Skills are
// directories carrying a SKILL.md with YAML frontmatter plus optional
// scripts and assets. Installed skills come from git and are tracked in
// the database for later updates.
package skills

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"
)

// maxSkillMDSize caps SKILL.md at 1 MiB.
const maxSkillMDSize = 1 << 20

// Skill is one parsed SKILL.md.
type Skill struct {
	Name          string         `yaml:"name"`
	Description   string         `yaml:"description"`
	Bins          []string       `yaml:"bins"`
	Compatibility string         `yaml:"compatibility"`
	Metadata      map[string]any `yaml:"metadata"`

	// Instructions is the markdown body after the frontmatter.
	Instructions string `yaml:"-"`
	Source       string `yaml:"-"` // "project", "user", "installed"
	SourceDir    string `yaml:"-"`
}

// CanonicalKey normalizes a skill name for collision detection.
func CanonicalKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

var frontmatterDelim = []byte("---")

// ParseSkillMD splits YAML frontmatter from the markdown body.
func ParseSkillMD(data []byte) (Skill, error) {
	var s Skill
	trimmed := bytes.TrimLeft(data, "\r\n \t")
	if !bytes.HasPrefix(trimmed, frontmatterDelim) {
		return s, fmt.Errorf("missing YAML frontmatter")
	}
	rest := trimmed[len(frontmatterDelim):]
	end := bytes.Index(rest, append([]byte("\n"), frontmatterDelim...))
	if end < 0 {
		return s, fmt.Errorf("unterminated YAML frontmatter")
	}
	front := rest[:end]
	body := rest[end+1+len(frontmatterDelim):]

	if err := yaml.Unmarshal(front, &s); err != nil {
		return s, fmt.Errorf("parse frontmatter: %w", err)
	}
	if strings.TrimSpace(s.Name) == "" {
		return s, fmt.Errorf("frontmatter missing name")
	}
	s.Instructions = strings.TrimSpace(string(body))
	return s, nil
}

// checkEligibility reports whether the host satisfies the skill's declared
// requirements. Missing items are returned as human-readable strings.
func checkEligibility(skill Skill) (eligible bool, missing []string) {
	eligible = true

	for _, b := range skill.Bins {
		b = strings.TrimSpace(b)
		if b == "" {
			continue
		}
		if _, err := exec.LookPath(b); err != nil {
			eligible = false
			missing = append(missing, "missing bin: "+b)
		}
	}

	for _, k := range metaStringList(skill.Metadata, "requires", "env") {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if os.Getenv(k) == "" {
			eligible = false
			missing = append(missing, "missing env: "+k)
		}
	}

	if allowedOS := metaStringList(skill.Metadata, "os"); len(allowedOS) > 0 {
		ok := false
		for _, v := range allowedOS {
			if strings.TrimSpace(v) == runtime.GOOS {
				ok = true
				break
			}
		}
		if !ok {
			eligible = false
			missing = append(missing, "unsupported os: "+runtime.GOOS)
		}
	}

	return eligible, missing
}

func metaStringList(meta map[string]any, path ...string) []string {
	var cur any = meta
	for _, key := range path {
		m, ok := asStringMap(cur)
		if !ok {
			return nil
		}
		cur, ok = m[key]
		if !ok {
			return nil
		}
	}
	switch vv := cur.(type) {
	case []string:
		return vv
	case []any:
		var out []string
		for _, item := range vv {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func asStringMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			if ks, ok := k.(string); ok {
				out[ks] = val
			}
		}
		return out, true
	}
	return nil, false
}
