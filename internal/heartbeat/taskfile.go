package heartbeat

import (
	"bufio"
	"os"
	"strings"
)

// Task is one bullet item parsed from a Markdown task file. Headings and
// blank lines are ignored; bullets are `-`, `*`, or `+`, with an optional
// `[ ]`/`[x]`/`[X]` checkbox. A missing checkbox is treated as incomplete.
type Task struct {
	Line        int // 1-based line number in the source file
	Description string
	Completed   bool
}

// ParseTasks reads path and returns every bullet line as a Task. A missing
// file yields an empty slice, not an error — a heartbeat with no task file
// yet simply has nothing pending.
func ParseTasks(path string) ([]Task, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var tasks []Task
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		if task, ok := parseBullet(scanner.Text()); ok {
			task.Line = lineNo
			tasks = append(tasks, task)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return tasks, nil
}

// PendingTasks filters tasks down to the incomplete ones.
func PendingTasks(tasks []Task) []Task {
	var pending []Task
	for _, t := range tasks {
		if !t.Completed {
			pending = append(pending, t)
		}
	}
	return pending
}

func parseBullet(line string) (Task, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return Task{}, false
	}
	if len(trimmed) < 2 {
		return Task{}, false
	}
	marker := trimmed[0]
	if marker != '-' && marker != '*' && marker != '+' {
		return Task{}, false
	}
	if trimmed[1] != ' ' {
		return Task{}, false
	}
	rest := strings.TrimSpace(trimmed[2:])

	completed := false
	if strings.HasPrefix(rest, "[ ]") {
		rest = strings.TrimSpace(rest[3:])
	} else if strings.HasPrefix(rest, "[x]") || strings.HasPrefix(rest, "[X]") {
		completed = true
		rest = strings.TrimSpace(rest[3:])
	}
	if rest == "" {
		return Task{}, false
	}
	return Task{Description: rest, Completed: completed}, true
}

// MarkCompleted rewrites the bullet at line to a completed checkbox,
// atomically (temp file + rename).
func MarkCompleted(path string, line int) error {
	return rewriteLines(path, func(lines []string) []string {
		idx := line - 1
		if idx < 0 || idx >= len(lines) {
			return lines
		}
		lines[idx] = setCompleted(lines[idx])
		return lines
	})
}

// AddTask appends a new incomplete bullet with text, atomically.
func AddTask(path, text string) error {
	return rewriteLines(path, func(lines []string) []string {
		return append(lines, "- [ ] "+text)
	})
}

func setCompleted(line string) string {
	trimmed := strings.TrimSpace(line)
	if len(trimmed) < 2 {
		return line
	}
	marker := trimmed[0]
	rest := strings.TrimSpace(trimmed[2:])
	switch {
	case strings.HasPrefix(rest, "[ ]"):
		rest = strings.TrimSpace(rest[3:])
	case strings.HasPrefix(rest, "[x]"), strings.HasPrefix(rest, "[X]"):
		return line // already completed
	}
	return string(marker) + " [x] " + rest
}

func rewriteLines(path string, mutate func([]string) []string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			data = nil
		} else {
			return err
		}
	}

	var lines []string
	if len(data) > 0 {
		lines = strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	}
	lines = mutate(lines)
	out := strings.Join(lines, "\n") + "\n"

	dir := "."
	if idx := strings.LastIndex(path, "/"); idx >= 0 {
		dir = path[:idx]
	}
	tmpFile, err := os.CreateTemp(dir, "heartbeat-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.WriteString(out); err != nil {
		tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return err
	}
	tmpFile.Close()

	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	cleanup = false
	return nil
}
