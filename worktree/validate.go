package worktree

import (
	"fmt"
	"strings"
)

// ValidateBranchName rejects branch names that could be misinterpreted by
// git. Called at every trust boundary where an external string becomes a
// ref.
func ValidateBranchName(name string) error {
	if name == "" {
		return fmt.Errorf("branch name is empty")
	}
	for _, c := range name {
		if c <= ' ' || c == 0x7f {
			return fmt.Errorf("branch name %q contains whitespace or control characters", name)
		}
		if strings.ContainsRune(`~^:?*[\`, c) {
			return fmt.Errorf("branch name %q contains forbidden character %q", name, c)
		}
	}
	if strings.Contains(name, "..") {
		return fmt.Errorf("branch name %q contains '..'", name)
	}
	if strings.Contains(name, "@{") {
		return fmt.Errorf("branch name %q contains '@{'", name)
	}
	if strings.HasPrefix(name, "-") || strings.HasPrefix(name, "/") {
		return fmt.Errorf("branch name %q has forbidden prefix", name)
	}
	if strings.HasSuffix(name, "/") || strings.HasSuffix(name, ".lock") {
		return fmt.Errorf("branch name %q has forbidden suffix", name)
	}
	return nil
}
