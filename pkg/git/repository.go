package git

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// Repository is a local working copy of a remote repository driven through the git CLI
type Repository struct {
	logger       *zap.Logger
	repoURL      string
	localPath    string
	branch       string
	workspaceDir string
	gitUsername  string
	gitEmail     string
}

type RepositoryConfig struct {
	URL          string `json:"url"`
	Branch       string `json:"branch"`
	WorkspaceDir string `json:"workspace_dir"`
	GitUsername  string `json:"git_username"`
	GitEmail     string `json:"git_email"`
}

// RemoteError is a failed command that talked to the remote (clone, pull, push, ls-remote)
type RemoteError struct {
	Op  string
	Err error
}

func (e *RemoteError) Error() string { return fmt.Sprintf("git %s: %v", e.Op, e.Err) }
func (e *RemoteError) Unwrap() error { return e.Err }

func NewRepository(config RepositoryConfig, logger *zap.Logger) *Repository {
	if config.Branch == "" {
		config.Branch = "main"
	}
	return &Repository{
		logger:       logger,
		repoURL:      config.URL,
		localPath:    filepath.Join(config.WorkspaceDir, extractRepoName(config.URL)),
		branch:       config.Branch,
		workspaceDir: config.WorkspaceDir,
		gitUsername:  config.GitUsername,
		gitEmail:     config.GitEmail,
	}
}

func (r *Repository) LocalPath() string { return r.localPath }
func (r *Repository) Branch() string    { return r.branch }

// run executes git in dir and returns combined output
func (r *Repository) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	if isSSHURL(r.repoURL) {
		cmd.Env = append(os.Environ(), "GIT_SSH_COMMAND=ssh -o UserKnownHostsFile=/dev/null -o StrictHostKeyChecking=no")
	}

	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("git %s: %w, output: %s", args[0], err, strings.TrimSpace(string(output)))
	}
	return string(output), nil
}

// Sync makes the working copy match the remote branch, cloning on first use.
// A copy that cannot be pulled is removed and cloned again.
func (r *Repository) Sync(ctx context.Context) error {
	if err := os.MkdirAll(r.workspaceDir, 0755); err != nil {
		return fmt.Errorf("failed to create workspace directory: %w", err)
	}

	if r.valid(ctx) {
		err := r.pull(ctx)
		if err == nil {
			return nil
		}
		r.logger.Warn("Failed to pull repository, re-cloning",
			zap.String("path", r.localPath),
			zap.Error(err))
	}

	if err := os.RemoveAll(r.localPath); err != nil {
		return fmt.Errorf("failed to remove stale working copy: %w", err)
	}
	return r.clone(ctx)
}

func (r *Repository) valid(ctx context.Context) bool {
	if _, err := os.Stat(filepath.Join(r.localPath, ".git")); err != nil {
		return false
	}
	_, err := r.run(ctx, r.localPath, "status", "--porcelain")
	return err == nil
}

func (r *Repository) clone(ctx context.Context) error {
	if _, err := r.run(ctx, r.workspaceDir, "clone", "-b", r.branch, r.repoURL, filepath.Base(r.localPath)); err != nil {
		return &RemoteError{Op: "clone", Err: err}
	}
	r.logger.Info("Repository cloned",
		zap.String("url", r.repoURL),
		zap.String("branch", r.branch),
		zap.String("path", r.localPath))
	return r.configureUser(ctx)
}

func (r *Repository) pull(ctx context.Context) error {
	if _, err := r.run(ctx, r.localPath, "checkout", r.branch); err != nil {
		return err
	}
	// Drop anything a failed publish left behind
	if _, err := r.run(ctx, r.localPath, "reset", "--hard"); err != nil {
		return err
	}
	if _, err := r.run(ctx, r.localPath, "pull", "--ff-only", "origin", r.branch); err != nil {
		return &RemoteError{Op: "pull", Err: err}
	}
	return nil
}

func (r *Repository) configureUser(ctx context.Context) error {
	if r.gitUsername == "" || r.gitEmail == "" {
		r.logger.Warn("Git username or email not configured, relying on global git config")
		return nil
	}
	if _, err := r.run(ctx, r.localPath, "config", "user.name", r.gitUsername); err != nil {
		return err
	}
	_, err := r.run(ctx, r.localPath, "config", "user.email", r.gitEmail)
	return err
}

// WriteFile writes content at a path relative to the working copy root
func (r *Repository) WriteFile(relativePath string, content []byte) error {
	fullPath := filepath.Join(r.localPath, relativePath)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(fullPath, content, 0644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

func (r *Repository) ReadFile(relativePath string) ([]byte, error) {
	return os.ReadFile(filepath.Join(r.localPath, relativePath))
}

// Commit stages paths and commits them. It reports false when there was nothing to commit.
func (r *Repository) Commit(ctx context.Context, message string, paths ...string) (bool, error) {
	if len(paths) == 0 {
		paths = []string{"."}
	}
	if _, err := r.run(ctx, r.localPath, append([]string{"add", "--"}, paths...)...); err != nil {
		return false, err
	}

	status, err := r.run(ctx, r.localPath, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	if strings.TrimSpace(status) == "" {
		return false, nil
	}

	if _, err := r.run(ctx, r.localPath, "commit", "-m", message); err != nil {
		return false, err
	}
	r.logger.Info("Committed changes", zap.String("message", message))
	return true, nil
}

func (r *Repository) Push(ctx context.Context) error {
	if _, err := r.run(ctx, r.localPath, "push", "origin", r.branch); err != nil {
		return &RemoteError{Op: "push", Err: err}
	}
	r.logger.Info("Pushed to remote", zap.String("branch", r.branch))
	return nil
}

func (r *Repository) HeadHash(ctx context.Context) (string, error) {
	out, err := r.run(ctx, r.localPath, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Reachable checks that the remote branch can be listed with the current credentials
func (r *Repository) Reachable(ctx context.Context) error {
	out, err := r.run(ctx, "", "ls-remote", "--heads", r.repoURL, r.branch)
	if err != nil {
		return &RemoteError{Op: "ls-remote", Err: err}
	}
	if strings.TrimSpace(out) == "" {
		return fmt.Errorf("branch %s not found on %s", r.branch, r.repoURL)
	}
	return nil
}

func extractRepoName(url string) string {
	url = strings.TrimSuffix(strings.TrimRight(url, "/"), ".git")
	// git@github.com:user/repo
	if i := strings.LastIndex(url, ":"); i >= 0 && strings.Contains(url, "@") && !strings.Contains(url, "://") {
		url = url[i+1:]
	}
	if i := strings.LastIndex(url, "/"); i >= 0 {
		url = url[i+1:]
	}
	if url == "" {
		return "repo"
	}
	return url
}

func isSSHURL(url string) bool {
	return strings.HasPrefix(url, "git@") || strings.HasPrefix(url, "ssh://")
}
