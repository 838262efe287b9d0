package git

import (
	"context"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestExtractRepoName(t *testing.T) {
	cases := map[string]string{
		"git@github.com:user/blog.git":       "blog",
		"https://github.com/user/blog.git":   "blog",
		"https://github.com/user/blog/":      "blog",
		"ssh://git@example.com:22/user/site": "site",
		"":                                   "repo",
	}
	for in, want := range cases {
		assert.Equal(t, want, extractRepoName(in), in)
	}
}

// newRemote creates a bare repository with one commit on main
func newRemote(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}

	root := t.TempDir()
	remote := filepath.Join(root, "remote.git")
	seed := filepath.Join(root, "seed")

	for _, args := range [][]string{
		{"init", "--bare", "-b", "main", remote},
		{"init", "-b", "main", seed},
		{"-C", seed, "config", "user.name", "test"},
		{"-C", seed, "config", "user.email", "test@example.com"},
		{"-C", seed, "commit", "--allow-empty", "-m", "init"},
		{"-C", seed, "push", remote, "main"},
	} {
		out, err := exec.Command("git", args...).CombinedOutput()
		require.NoError(t, err, string(out))
	}
	return remote
}

func TestRepository_SyncCommitPush(t *testing.T) {
	remote := newRemote(t)
	ctx := context.Background()

	repo := NewRepository(RepositoryConfig{
		URL:          remote,
		Branch:       "main",
		WorkspaceDir: t.TempDir(),
		GitUsername:  "postwave",
		GitEmail:     "bot@example.com",
	}, zap.NewNop())

	require.NoError(t, repo.Reachable(ctx))
	require.NoError(t, repo.Sync(ctx))

	require.NoError(t, repo.WriteFile("_posts/hello.md", []byte("hi\n")))
	committed, err := repo.Commit(ctx, "Add hello")
	require.NoError(t, err)
	assert.True(t, committed)
	require.NoError(t, repo.Push(ctx))

	// identical content is not a new commit
	require.NoError(t, repo.WriteFile("_posts/hello.md", []byte("hi\n")))
	committed, err = repo.Commit(ctx, "Add hello again")
	require.NoError(t, err)
	assert.False(t, committed)

	hash, err := repo.HeadHash(ctx)
	require.NoError(t, err)
	assert.Len(t, hash, 40)

	// a second sync keeps the pushed commit
	require.NoError(t, repo.Sync(ctx))
	data, err := repo.ReadFile("_posts/hello.md")
	require.NoError(t, err)
	assert.Equal(t, "hi\n", string(data))
}

func TestRepository_UnreachableRemote(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
	repo := NewRepository(RepositoryConfig{URL: filepath.Join(t.TempDir(), "missing.git"), WorkspaceDir: t.TempDir()}, zap.NewNop())

	err := repo.Reachable(context.Background())
	var remoteErr *RemoteError
	assert.ErrorAs(t, err, &remoteErr)
}
