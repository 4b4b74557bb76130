package compute

import (
	"os"
	"path/filepath"
	"strings"
)

// GitInfo is a resolved git working directory and its checked-out branch.
// Branch is empty when HEAD could not be read; a detached HEAD yields the
// raw commit hash.
type GitInfo struct {
	Dir    string
	Branch string
}

// GitResolver walks directories upward looking for a .git entry. Every
// visited directory is cached, including misses, so a session touching
// hundreds of files under one repo stats the tree once. The cache lives
// for a single compute run: a worktree deleted between runs must not leak
// stale results into later sessions.
type GitResolver struct {
	cache map[string]*GitInfo
}

// NewGitResolver returns a resolver with an empty cache.
func NewGitResolver() *GitResolver {
	return &GitResolver{cache: make(map[string]*GitInfo)}
}

// Resolve finds the git root above an absolute file or directory path.
// Returns nil for relative paths and for paths with no .git above them.
func (r *GitResolver) Resolve(path string) *GitInfo {
	if !filepath.IsAbs(path) {
		return nil
	}
	start := filepath.Clean(path)
	if info, err := os.Stat(start); err != nil || !info.IsDir() {
		start = filepath.Dir(start)
	}
	return r.resolveDir(start)
}

func (r *GitResolver) resolveDir(dir string) *GitInfo {
	var visited []string
	var result *GitInfo

	current := dir
	for {
		if cached, ok := r.cache[current]; ok {
			result = cached
			break
		}
		if info := probeGit(current); info != nil {
			result = info
			break
		}
		visited = append(visited, current)
		parent := filepath.Dir(current)
		if parent == current {
			// Filesystem root with no .git anywhere above.
			break
		}
		current = parent
	}

	for _, d := range visited {
		r.cache[d] = result
	}
	return result
}

// probeGit checks a single directory for a .git entry. A directory is a
// normal repository root; a file is a linked worktree pointing at its real
// git dir via a "gitdir:" line.
func probeGit(dir string) *GitInfo {
	gitPath := filepath.Join(dir, ".git")
	info, err := os.Stat(gitPath)
	if err != nil {
		return nil
	}

	if info.IsDir() {
		return &GitInfo{Dir: dir, Branch: readHeadRef(filepath.Join(gitPath, "HEAD"))}
	}

	data, err := os.ReadFile(gitPath)
	if err != nil {
		return nil
	}
	line := strings.TrimSpace(string(data))
	gitdir, ok := strings.CutPrefix(line, "gitdir:")
	if !ok {
		return nil
	}
	gitdir = strings.TrimSpace(gitdir)
	if !filepath.IsAbs(gitdir) {
		gitdir = filepath.Join(dir, gitdir)
	}
	return &GitInfo{Dir: dir, Branch: readHeadRef(filepath.Join(gitdir, "HEAD"))}
}

func readHeadRef(headPath string) string {
	data, err := os.ReadFile(headPath)
	if err != nil {
		return ""
	}
	head := strings.TrimSpace(string(data))
	if ref, ok := strings.CutPrefix(head, "ref: "); ok {
		return strings.TrimPrefix(ref, "refs/heads/")
	}
	return head
}

// mostCommonRoot picks the winning git info when one line touches several
// repositories. Ties go to the first root encountered.
func mostCommonRoot(infos []*GitInfo) *GitInfo {
	var best *GitInfo
	bestCount := 0
	counts := make(map[string]int)
	for _, info := range infos {
		counts[info.Dir]++
		if counts[info.Dir] > bestCount {
			best = info
			bestCount = counts[info.Dir]
		}
	}
	return best
}
