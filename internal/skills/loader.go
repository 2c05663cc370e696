// Package skills loads reusable instruction snippets from a directory of
// markdown files and exposes them to the agent loop as an inlined
// system-prompt summary. Above the loop's inline size threshold no summary
// is inlined, and no tool in this repository serves skills on demand.
package skills

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Skill is one loaded skill file.
type Skill struct {
	Name        string // derived from the filename, e.g. "deploy.md" -> "deploy"
	Description string // first non-empty, non-heading line of the file
	Path        string
	Content     string
}

// Loader serves a directory of *.md skill files to the agent loop. It does
// not watch the directory: files are read by Reload, which NewLoader calls
// once, so edits on disk are picked up only when Reload runs again.
type Loader struct {
	dir string

	mu     sync.RWMutex
	skills []Skill
}

// NewLoader creates a loader rooted at dir and performs an initial load.
// A missing directory is not an error: it simply yields zero skills.
func NewLoader(dir string) (*Loader, error) {
	l := &Loader{dir: dir}
	if err := l.Reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// Reload re-scans the skills directory from disk.
func (l *Loader) Reload() error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			l.mu.Lock()
			l.skills = nil
			l.mu.Unlock()
			return nil
		}
		return fmt.Errorf("skills: read dir: %w", err)
	}

	var loaded []Skill
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		path := filepath.Join(l.dir, e.Name())
		content, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		loaded = append(loaded, Skill{
			Name:        strings.TrimSuffix(e.Name(), ".md"),
			Description: firstDescriptionLine(string(content)),
			Path:        path,
			Content:     string(content),
		})
	}

	l.mu.Lock()
	l.skills = loaded
	l.mu.Unlock()
	return nil
}

// firstDescriptionLine returns the first non-empty line that isn't a
// markdown heading, used as the one-line skill description.
func firstDescriptionLine(content string) string {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		return line
	}
	return ""
}

// FilterSkills returns the loaded skills restricted to allowList.
// nil allowList means all skills; an empty (non-nil) slice means none.
func (l *Loader) FilterSkills(allowList []string) []Skill {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if allowList == nil {
		out := make([]Skill, len(l.skills))
		copy(out, l.skills)
		return out
	}
	if len(allowList) == 0 {
		return nil
	}

	allowed := make(map[string]struct{}, len(allowList))
	for _, name := range allowList {
		allowed[name] = struct{}{}
	}
	var out []Skill
	for _, s := range l.skills {
		if _, ok := allowed[s.Name]; ok {
			out = append(out, s)
		}
	}
	return out
}

// BuildSummary renders allowList's skills (or all, if nil) as an XML block
// suitable for inlining directly into the system prompt.
func (l *Loader) BuildSummary(allowList []string) string {
	filtered := l.FilterSkills(allowList)
	if len(filtered) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("<available_skills>\n")
	for _, s := range filtered {
		fmt.Fprintf(&b, "  <skill name=%q>%s</skill>\n", s.Name, s.Description)
	}
	b.WriteString("</available_skills>")
	return b.String()
}
