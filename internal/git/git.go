// Package git keeps the local checkout of the plan repository current. The
// desired guild state is versioned as documents in git; every sync starts
// from a fresh checkout of the configured ref.
package git

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Client provides the repository operations the sync flow needs
type Client interface {
	// EnsureCheckout clones or updates the repository and checks out ref,
	// returning the resulting commit hash.
	EnsureCheckout(ctx context.Context, url, ref, destDir string) (string, error)
}

// ShellClient implements Client by shelling out to the git command
type ShellClient struct {
	sshKeyFile     string
	httpsTokenFile string
}

// NewShellClient creates a git client that uses the git command
func NewShellClient(sshKeyFile, httpsTokenFile string) *ShellClient {
	return &ShellClient{
		sshKeyFile:     sshKeyFile,
		httpsTokenFile: httpsTokenFile,
	}
}

// EnsureCheckout clones on first use, fetches afterwards, and leaves
// destDir checked out at ref.
func (c *ShellClient) EnsureCheckout(ctx context.Context, url, ref, destDir string) (string, error) {
	exists := false
	if _, err := os.Stat(filepath.Join(destDir, ".git")); err == nil {
		exists = true
	}

	if exists {
		if err := c.git(ctx, url, "-C", destDir, "fetch", "origin"); err != nil {
			return "", fmt.Errorf("git fetch failed: %w", err)
		}
	} else {
		if err := os.MkdirAll(filepath.Dir(destDir), 0755); err != nil {
			return "", fmt.Errorf("failed to create parent directory: %w", err)
		}
		if err := c.git(ctx, url, "clone", "--no-checkout", url, destDir); err != nil {
			return "", fmt.Errorf("git clone failed: %w", err)
		}
	}

	if err := c.checkout(ctx, destDir, ref, exists); err != nil {
		return "", err
	}

	output, err := exec.CommandContext(ctx, "git", "-C", destDir, "rev-parse", "HEAD").Output()
	if err != nil {
		return "", fmt.Errorf("git rev-parse failed: %w", err)
	}
	return strings.TrimSpace(string(output)), nil
}

// checkout tries the ref directly (local branches, tags, hashes) and falls
// back to the remote tracking branch. After a fetch, the local branch can
// be stale; reset it to the remote side.
func (c *ShellClient) checkout(ctx context.Context, destDir, ref string, fetched bool) error {
	if err := c.git(ctx, "", "-C", destDir, "checkout", "-f", ref); err != nil {
		if err := c.git(ctx, "", "-C", destDir, "checkout", "-f", "origin/"+ref); err != nil {
			return fmt.Errorf("git checkout failed for ref %q (tried both direct and remote): %w", ref, err)
		}
	}
	if fetched {
		// No-op for fresh clones, silently ignored for tags and hashes.
		_ = c.git(ctx, "", "-C", destDir, "reset", "--hard", "origin/"+ref)
	}
	return nil
}

// git runs one git invocation with auth configured for url.
func (c *ShellClient) git(ctx context.Context, url string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	if url != "" {
		if err := c.configureAuth(cmd, url); err != nil {
			return err
		}
	}
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, string(output))
	}
	return nil
}

// configureAuth sets up authentication for git operations touching the
// remote. Key material stays in the environment of the child process.
func (c *ShellClient) configureAuth(cmd *exec.Cmd, url string) error {
	cmd.Env = os.Environ()

	isSSH := strings.HasPrefix(url, "git@") || strings.HasPrefix(url, "ssh://")
	if c.sshKeyFile != "" && isSSH {
		// The key path is shell-quoted to prevent injection via crafted
		// filenames.
		sshCmd := fmt.Sprintf("ssh -i %s -o StrictHostKeyChecking=accept-new -F /dev/null", shellQuote(c.sshKeyFile))
		cmd.Env = append(cmd.Env, "GIT_SSH_COMMAND="+sshCmd)
		return nil
	}

	if c.httpsTokenFile != "" && strings.HasPrefix(url, "https://") {
		token, err := os.ReadFile(c.httpsTokenFile)
		if err != nil {
			return fmt.Errorf("failed to read HTTPS token file: %w", err)
		}

		// The token travels via the environment and a credential helper
		// reading it, never via a shell expression.
		cmd.Env = append(cmd.Env,
			"GIT_TERMINAL_PROMPT=0",
			"GUILDSYNCD_GIT_TOKEN="+strings.TrimSpace(string(token)))
		cmd.Args = insertGitFlags(cmd.Args,
			"-c", `credential.helper=!f() { echo "username=x-access-token"; echo "password=$GUILDSYNCD_GIT_TOKEN"; }; f`,
		)
	}

	return nil
}

// insertGitFlags inserts flags immediately after the "git" command name,
// before the subcommand (e.g. "clone", "fetch").
func insertGitFlags(args []string, flags ...string) []string {
	if len(args) == 0 {
		return flags
	}
	result := make([]string, 0, len(args)+len(flags))
	result = append(result, args[0])
	result = append(result, flags...)
	result = append(result, args[1:]...)
	return result
}

// shellQuote wraps s in single quotes, escaping any embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
