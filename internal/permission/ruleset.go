package permission

import (
	"path/filepath"
	"strings"
	"sync"

	"github.com/gobwas/glob"
)

// RuleSet compiles and caches path globs used by Matcher.PathGlob and by the
// external-directory / sensitive-file heuristics. Rules themselves (the
// ordered deny/ask/allow lists) are plain []Rule values owned by the caller
// (session, project, user config); RuleSet only owns the compiled-glob
// cache, since glob.Compile is the one part of matching worth memoizing.
type RuleSet struct {
	mu      sync.Mutex
	compiled map[string]glob.Glob
}

// NewRuleSet returns an empty, ready-to-use RuleSet.
func NewRuleSet() *RuleSet {
	return &RuleSet{compiled: make(map[string]glob.Glob)}
}

func (rs *RuleSet) matchPathGlob(pattern, path string) bool {
	g, err := rs.glob(pattern)
	if err != nil {
		return false
	}
	return g.Match(filepath.Clean(path))
}

func (rs *RuleSet) glob(pattern string) (glob.Glob, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if g, ok := rs.compiled[pattern]; ok {
		return g, nil
	}
	g, err := glob.Compile(pattern, '/')
	if err != nil {
		return nil, err
	}
	rs.compiled[pattern] = g
	return g, nil
}

// IsExternalPath reports whether path resolves outside projectDir.
func IsExternalPath(path, projectDir string) bool {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	absProjectDir, err := filepath.Abs(projectDir)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(absProjectDir, absPath)
	if err != nil {
		return true
	}
	return rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// sensitiveFileBasenames are never covered by a default (ruleless) allow,
// even for read-only tools: §4.1 step 5's default stage returns NeedsApproval
// for them instead of Allowed.
var sensitiveFileBasenames = []string{
	".env", ".env.local", ".env.production", "credentials", "id_rsa", "id_ed25519",
	".npmrc", ".pypirc", ".netrc", "secrets.yaml", "secrets.yml",
}

// IsSensitiveFile reports whether path's basename looks like a credential
// file, used by the default stage (§4.1 step 5) to fall back to
// NeedsApproval instead of Allowed even for read-only tools.
func IsSensitiveFile(path string) bool {
	base := strings.ToLower(filepath.Base(path))
	for _, s := range sensitiveFileBasenames {
		if base == s || strings.HasSuffix(base, "."+s) {
			return true
		}
	}
	return strings.Contains(base, "credential") || strings.Contains(base, "secret")
}

// IsSafeCommand is a heuristic used by the bash tool's check_permission to
// decide whether a command is the kind of read-only operation that can be
// treated as Allowed at the tool stage; Deny and Ask rules are evaluated
// before that stage and still apply. It intentionally defaults to "not safe"
// for anything it does not recognize.
func IsSafeCommand(cmd string) bool {
	safePrefixes := []string{
		"ls", "cat", "echo", "pwd", "which", "whereis",
		"git status", "git log", "git diff", "git branch",
		"env", "printenv", "uname", "whoami", "date",
		"grep", "find", "head", "tail", "wc",
	}
	unsafeSubstrings := []string{
		"rm ", "rm -", "> ", ">>", "|", "curl", "wget",
		"chmod", "chown", "sudo", "su ", "exec",
		"eval", "source", ". ", "kill", "pkill",
		"mv ", "cp ", "dd ", "mkfs", "format",
	}

	cmdLower := strings.ToLower(strings.TrimSpace(cmd))
	for _, unsafe := range unsafeSubstrings {
		if strings.Contains(cmdLower, unsafe) {
			return false
		}
	}
	for _, safe := range safePrefixes {
		if strings.HasPrefix(cmdLower, safe) {
			return true
		}
	}
	return false
}
