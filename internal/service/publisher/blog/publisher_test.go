package blog

import (
	"context"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ifuryst/postwave/internal/config"
	"github.com/ifuryst/postwave/internal/errs"
	"github.com/ifuryst/postwave/internal/models"
	"github.com/ifuryst/postwave/internal/service/publisher"
)

func TestTransformer_Render(t *testing.T) {
	date := time.Date(2024, 3, 9, 10, 30, 0, 0, time.UTC)
	out := NewTransformer("giscus_comments: true").Render(`Say "hi"`, date, publisher.PublishContent{
		Key:       "job-1",
		Text:      "first line\r\nsecond line\n",
		MediaURLs: []string{"https://cdn.example.com/a.png"},
		Hashtags:  []string{"go", "release"},
	})

	assert.True(t, strings.HasPrefix(out, "---\nlayout: post\n"))
	assert.Contains(t, out, `title: "Say \"hi\""`)
	assert.Contains(t, out, "date: 2024-03-09T10:30:00+00:00")
	assert.Contains(t, out, "tags:\n  - \"go\"\n  - \"release\"")
	assert.Contains(t, out, `delivery_key: "job-1"`)
	assert.Contains(t, out, "giscus_comments: true\n---\n\nfirst line\nsecond line\n")
	assert.True(t, strings.HasSuffix(out, "![](https://cdn.example.com/a.png)\n"))
}

func TestTransformer_SingleTag(t *testing.T) {
	out := NewTransformer().Render("t", time.Now(), publisher.PublishContent{Hashtags: []string{"solo"}})
	assert.Contains(t, out, `tags: "solo"`)
	assert.NotContains(t, out, "delivery_key")
}

func TestNewFactory(t *testing.T) {
	base := t.TempDir()
	factory := NewFactory(config.BlogConfig{RepoURL: "git@github.com:me/site.git", WorkspaceDir: base}, zap.NewNop())

	p, err := factory(&models.Channel{ID: "ch-1", Provider: ProviderName, Settings: `{"base_url":"https://me.dev","push":true}`})
	require.NoError(t, err)
	bp := p.(*Publisher)
	assert.Equal(t, filepath.Join(base, "ch-1"), bp.opts.WorkspaceDir)
	assert.Equal(t, "https://me.dev", bp.opts.BaseURL)
	assert.True(t, bp.opts.Push)
	assert.Equal(t, "_posts", bp.opts.PostsDir)

	_, err = NewFactory(config.BlogConfig{}, zap.NewNop())(&models.Channel{ID: "ch-2"})
	assert.Error(t, err)

	_, err = factory(&models.Channel{ID: "ch-3", Settings: "{broken"})
	assert.Error(t, err)
}

func TestPublisher_RefreshUnsupported(t *testing.T) {
	p := New(Options{RepoURL: "unused", WorkspaceDir: t.TempDir()}, zap.NewNop())
	_, err := p.RefreshAccessToken(context.Background())
	assert.ErrorIs(t, err, publisher.ErrRefreshUnsupported)
	assert.Equal(t, ProviderName, p.Name())
}

// newRemote creates a bare repository with one commit on main
func newRemote(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}

	root := t.TempDir()
	remote := filepath.Join(root, "site.git")
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

func newTestPublisher(t *testing.T, remote string) *Publisher {
	p := New(Options{
		RepoURL:      remote,
		Branch:       "main",
		WorkspaceDir: t.TempDir(),
		BaseURL:      "https://me.dev/",
		GitUsername:  "postwave",
		GitEmail:     "bot@example.com",
		Push:         true,
	}, zap.NewNop())
	p.now = func() time.Time { return time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC) }
	return p
}

func TestPublisher_Publish(t *testing.T) {
	remote := newRemote(t)
	ctx := context.Background()
	p := newTestPublisher(t, remote)

	ok, err := p.TestConnection(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	content := publisher.PublishContent{Key: "sched-1", Title: "Hello World", Text: "body"}
	res, err := p.Publish(ctx, content)
	require.NoError(t, err)
	assert.Equal(t, "2024-05-01-hello-world", res.PlatformPostID)
	assert.Equal(t, "https://me.dev/blog/2024/hello-world/", res.PlatformURL)

	data, err := p.repo.ReadFile("_posts/2024-05-01-hello-world.md")
	require.NoError(t, err)
	assert.Contains(t, string(data), `delivery_key: "sched-1"`)

	head, err := p.repo.HeadHash(ctx)
	require.NoError(t, err)

	// a redelivery of the same schedule finds its post and commits nothing
	again, err := p.Publish(ctx, content)
	require.NoError(t, err)
	assert.Equal(t, res.PlatformPostID, again.PlatformPostID)
	head2, err := p.repo.HeadHash(ctx)
	require.NoError(t, err)
	assert.Equal(t, head, head2)

	// another item with the same title on the same day gets its own file
	other, err := p.Publish(ctx, publisher.PublishContent{Key: "sched-2xyz", Title: "Hello World", Text: "other"})
	require.NoError(t, err)
	assert.Equal(t, "2024-05-01-hello-world-sched-2x", other.PlatformPostID)

	// the pushed commits are visible from a fresh clone
	fresh := newTestPublisher(t, remote)
	require.NoError(t, fresh.repo.Sync(ctx))
	_, err = fresh.repo.ReadFile("_posts/2024-05-01-hello-world-sched-2x.md")
	assert.NoError(t, err)
}

func TestPublisher_UnreachableRemoteIsTransient(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
	p := newTestPublisher(t, filepath.Join(t.TempDir(), "missing.git"))

	_, err := p.Publish(context.Background(), publisher.PublishContent{Title: "x", Text: "y"})
	require.Error(t, err)
	assert.True(t, errs.IsRetryable(err))

	ok, err := p.TestConnection(context.Background())
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestPublisher_RequiresTitle(t *testing.T) {
	p := New(Options{RepoURL: "unused", WorkspaceDir: t.TempDir()}, zap.NewNop())
	_, err := p.Publish(context.Background(), publisher.PublishContent{Text: "   "})
	assert.True(t, errs.Is(err, errs.KindValidation))
}
