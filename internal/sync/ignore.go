package sync

import (
	"bufio"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	gitignore "github.com/sabhiram/go-gitignore"
)

// IgnoreFileName holds extra gitignore style patterns in the job root.
const IgnoreFileName = ".cboxignore"

var defaultIgnoreLines = []string{
	".cbox*",
	"*" + tempFilePattern,
	".git/",
	".DS_Store",
	"Thumbs.db",
	"*.swp",
	"*.swo",
}

// IgnoreList decides which relative paths a job never touches, in either
// direction.
type IgnoreList struct {
	ignore *gitignore.GitIgnore
}

// NewIgnoreList compiles the defaults plus the root's ignore file, if any.
func NewIgnoreList(root string, logger *slog.Logger) *IgnoreList {
	lines := append([]string{}, defaultIgnoreLines...)

	path := filepath.Join(root, IgnoreFileName)
	if f, err := os.Open(path); err == nil {
		defer f.Close()
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line != "" && !strings.HasPrefix(line, "#") {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			logger.Warn("ignore file unreadable", "path", path, "error", err)
		}
	}

	return &IgnoreList{ignore: gitignore.CompileIgnoreLines(lines...)}
}

// ShouldIgnore takes a slash separated path relative to the root.
func (l *IgnoreList) ShouldIgnore(rel string) bool {
	return l.ignore.MatchesPath(rel)
}
