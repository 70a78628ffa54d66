package expand

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// CommandGit clones repositories with the git binary.
type CommandGit struct {
	// Binary defaults to "git".
	Binary string
}

// Clone checks out commit of url into dir. When branch is set only that
// branch is fetched.
func (g CommandGit) Clone(ctx context.Context, url, commit, branch, dir string) error {
	args := []string{"clone", "--quiet"}
	if branch != "" {
		args = append(args, "--branch", branch, "--single-branch")
	}
	args = append(args, url, dir)
	if err := g.run(ctx, "", args...); err != nil {
		return err
	}
	return g.run(ctx, dir, "checkout", "--quiet", commit)
}

func (g CommandGit) run(ctx context.Context, dir string, args ...string) error {
	bin := g.Binary
	if bin == "" {
		bin = "git"
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(out.String()))
	}
	return nil
}
