package blog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ifuryst/postwave/internal/config"
	"github.com/ifuryst/postwave/internal/errs"
	"github.com/ifuryst/postwave/internal/models"
	"github.com/ifuryst/postwave/internal/service/publisher"
	"github.com/ifuryst/postwave/pkg/git"
	"github.com/ifuryst/postwave/pkg/util"
)

const ProviderName = "blog"

type Options struct {
	RepoURL       string `json:"repo_url"`
	Branch        string `json:"branch"`
	WorkspaceDir  string `json:"workspace_dir"`
	BaseURL       string `json:"base_url"`
	PostsDir      string `json:"posts_dir"`
	CommitMessage string `json:"commit_message"`
	GitUsername   string `json:"git_username"`
	GitEmail      string `json:"git_email"`
	Push          bool   `json:"push"`
}

// Publisher commits Jekyll posts to a git repository
type Publisher struct {
	opts        Options
	logger      *zap.Logger
	repo        *git.Repository
	transformer *Transformer
	now         func() time.Time

	// one working copy, so one publish at a time
	mu sync.Mutex
}

func New(opts Options, logger *zap.Logger) *Publisher {
	if opts.PostsDir == "" {
		opts.PostsDir = "_posts"
	}
	if opts.CommitMessage == "" {
		opts.CommitMessage = "Add post: %s"
	}
	logger = logger.With(zap.String("provider", ProviderName))

	return &Publisher{
		opts:   opts,
		logger: logger,
		repo: git.NewRepository(git.RepositoryConfig{
			URL:          opts.RepoURL,
			Branch:       opts.Branch,
			WorkspaceDir: opts.WorkspaceDir,
			GitUsername:  opts.GitUsername,
			GitEmail:     opts.GitEmail,
		}, logger),
		transformer: NewTransformer("giscus_comments: true"),
		now:         time.Now,
	}
}

func NewFactory(cfg config.BlogConfig, logger *zap.Logger) publisher.Factory {
	return func(ch *models.Channel) (publisher.Provider, error) {
		opts := Options{
			RepoURL:       cfg.RepoURL,
			Branch:        cfg.Branch,
			WorkspaceDir:  cfg.WorkspaceDir,
			BaseURL:       cfg.BaseURL,
			PostsDir:      cfg.PostsDir,
			CommitMessage: cfg.CommitMessage,
			GitUsername:   cfg.GitUsername,
			GitEmail:      cfg.GitEmail,
			Push:          cfg.Push,
		}
		if s := strings.TrimSpace(ch.Settings); s != "" && s != "{}" {
			if err := json.Unmarshal([]byte(s), &opts); err != nil {
				return nil, fmt.Errorf("invalid channel settings: %w", err)
			}
		}
		if opts.RepoURL == "" || opts.WorkspaceDir == "" {
			return nil, fmt.Errorf("missing required config: repo_url and workspace_dir")
		}
		// Channels sharing a workspace would fight over the same checkout
		opts.WorkspaceDir = filepath.Join(opts.WorkspaceDir, ch.ID)
		return New(opts, logger), nil
	}
}

func (p *Publisher) Name() string {
	return ProviderName
}

func (p *Publisher) Publish(ctx context.Context, content publisher.PublishContent) (*publisher.PublishResult, error) {
	title := util.Headline(content.Title, content.Text, 80)
	if title == "" {
		return nil, errs.Validation("blog.publish", "post title is required")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.repo.Sync(ctx); err != nil {
		return nil, remoteErr("blog.sync", err)
	}

	date := p.now()
	filename := util.GenerateFilename(title, "post-"+content.Key, date)
	relPath := path.Join(p.opts.PostsDir, filename)

	if existing, err := p.repo.ReadFile(relPath); err == nil {
		// A retry after a push that actually landed finds its own post already there
		if content.Key != "" && bytes.Contains(existing, []byte(keyLine(content.Key))) {
			p.logger.Info("Post already present, skipping commit", zap.String("path", relPath))
			return p.result(filename, date), nil
		}
		filename = util.GenerateFilename(title+" "+shortKey(content.Key, date), "", date)
		relPath = path.Join(p.opts.PostsDir, filename)
	}
	body := []byte(p.transformer.Render(title, date, content))

	if err := p.repo.WriteFile(relPath, body); err != nil {
		return nil, err
	}
	committed, err := p.repo.Commit(ctx, fmt.Sprintf(p.opts.CommitMessage, title), relPath)
	if err != nil {
		return nil, err
	}
	if committed && p.opts.Push {
		if err := p.repo.Push(ctx); err != nil {
			return nil, remoteErr("blog.push", err)
		}
	}

	hash, _ := p.repo.HeadHash(ctx)
	p.logger.Info("Post committed",
		zap.String("path", relPath),
		zap.String("commit_hash", hash),
		zap.Bool("pushed", p.opts.Push))

	return p.result(filename, date), nil
}

func (p *Publisher) result(filename string, date time.Time) *publisher.PublishResult {
	res := &publisher.PublishResult{
		PlatformPostID: strings.TrimSuffix(filename, ".md"),
		PublishedAt:    date,
	}
	if p.opts.BaseURL != "" {
		// YYYY-MM-DD-slug.md is served at /blog/YYYY/slug/
		slug := strings.TrimSuffix(filename[len("2006-01-02-"):], ".md")
		res.PlatformURL = fmt.Sprintf("%s/blog/%d/%s/", strings.TrimRight(p.opts.BaseURL, "/"), date.Year(), slug)
	}
	return res
}

func (p *Publisher) TestConnection(ctx context.Context) (bool, error) {
	if err := p.repo.Reachable(ctx); err != nil {
		var re *git.RemoteError
		if errors.As(err, &re) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// RefreshAccessToken is unsupported: repository access uses the host's git credentials.
func (p *Publisher) RefreshAccessToken(context.Context) (*publisher.TokenSet, error) {
	return nil, publisher.ErrRefreshUnsupported
}

func keyLine(key string) string {
	return fmt.Sprintf("delivery_key: \"%s\"", util.EscapeYAML(key))
}

func shortKey(key string, date time.Time) string {
	if len(key) >= 8 {
		return key[:8]
	}
	if key != "" {
		return key
	}
	return date.Format("150405")
}

// remoteErr marks failures talking to the remote as transient
func remoteErr(op string, err error) error {
	var re *git.RemoteError
	if errors.As(err, &re) {
		return errs.Transient(op, err)
	}
	return err
}
