package substack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ifuryst/postwave/internal/config"
	"github.com/ifuryst/postwave/internal/errs"
	"github.com/ifuryst/postwave/internal/models"
	"github.com/ifuryst/postwave/internal/service/publisher"
	"github.com/ifuryst/postwave/pkg/util"
)

const ProviderName = "substack"

type Options struct {
	Domain string `json:"domain"`
	Cookie string `json:"cookie"`
	// BaseURL overrides https://{domain}
	BaseURL string `json:"base_url"`
	// SendEmail also mails the post to subscribers on publish
	SendEmail bool   `json:"send_email"`
	Audience  string `json:"audience"`
}

type Publisher struct {
	opts        Options
	baseURL     string
	logger      *zap.Logger
	transformer *Transformer
	client      *http.Client
	now         func() time.Time
}

type createDraftRequest struct {
	DraftTitle    string   `json:"draft_title"`
	DraftSubtitle string   `json:"draft_subtitle"`
	DraftBody     string   `json:"draft_body"`
	SectionChosen bool     `json:"section_chosen"`
	DraftBylines  []byline `json:"draft_bylines"`
	Audience      string   `json:"audience"`
}

type byline struct {
	ID      int  `json:"id"`
	IsGuest bool `json:"is_guest"`
}

type draftResponse struct {
	ID         int    `json:"id"`
	UUID       string `json:"uuid"`
	DraftTitle string `json:"draft_title"`
}

type publishRequest struct {
	Send               bool `json:"send"`
	ShareAutomatically bool `json:"share_automatically"`
}

type publishResponse struct {
	ID            int    `json:"id"`
	Slug          string `json:"slug"`
	CanonicalURL  string `json:"canonical_url"`
	PostDate      string `json:"post_date"`
	IsPublished   bool   `json:"is_published"`
	PublicationID int    `json:"publication_id"`
}

func New(opts Options, client *http.Client, logger *zap.Logger) *Publisher {
	base := opts.BaseURL
	if base == "" {
		base = "https://" + opts.Domain
	}
	if opts.Audience == "" {
		opts.Audience = "everyone"
	}
	if client == nil {
		client = publisher.NewHTTPClient()
	}

	return &Publisher{
		opts:        opts,
		baseURL:     strings.TrimRight(base, "/"),
		logger:      logger.With(zap.String("provider", ProviderName)),
		transformer: NewTransformer(),
		client:      client,
		now:         time.Now,
	}
}

func NewFactory(cfg config.SubstackConfig, logger *zap.Logger) publisher.Factory {
	return func(ch *models.Channel) (publisher.Provider, error) {
		opts := Options{Domain: cfg.Domain, Cookie: cfg.Cookie, BaseURL: cfg.BaseURL}
		if s := strings.TrimSpace(ch.Settings); s != "" && s != "{}" {
			if err := json.Unmarshal([]byte(s), &opts); err != nil {
				return nil, fmt.Errorf("invalid channel settings: %w", err)
			}
		}
		if opts.Domain == "" && opts.BaseURL == "" {
			return nil, fmt.Errorf("missing required config: domain")
		}
		if opts.Cookie == "" {
			return nil, fmt.Errorf("missing required config: cookie")
		}
		return New(opts, nil, logger), nil
	}
}

func (p *Publisher) Name() string {
	return ProviderName
}

func (p *Publisher) headers() http.Header {
	h := http.Header{}
	h.Set("Cookie", p.opts.Cookie)
	h.Set("Origin", p.baseURL)
	h.Set("Referer", p.baseURL+"/publish/post")
	h.Set("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/138.0.0.0 Safari/537.36")
	return h
}

func (p *Publisher) Publish(ctx context.Context, content publisher.PublishContent) (*publisher.PublishResult, error) {
	title := util.Headline(content.Title, content.Text, 120)
	if title == "" {
		return nil, errs.Validation("substack.publish", "post title is required")
	}

	body, err := p.transformer.Transform(content)
	if err != nil {
		return nil, err
	}

	var draft draftResponse
	err = publisher.DoJSON(ctx, p.client, http.MethodPost, p.baseURL+"/api/v1/drafts", p.headers(), createDraftRequest{
		DraftTitle:   title,
		DraftBody:    body,
		DraftBylines: []byline{},
		Audience:     p.opts.Audience,
	}, &draft)
	if err != nil {
		return nil, fmt.Errorf("failed to create Substack draft: %w", err)
	}
	if draft.ID == 0 {
		return nil, fmt.Errorf("substack returned a draft without id")
	}

	var post publishResponse
	err = publisher.DoJSON(ctx, p.client, http.MethodPost,
		fmt.Sprintf("%s/api/v1/drafts/%d/publish", p.baseURL, draft.ID), p.headers(),
		publishRequest{Send: p.opts.SendEmail}, &post)
	if err != nil {
		return nil, fmt.Errorf("failed to publish Substack draft %d: %w", draft.ID, err)
	}

	postURL := post.CanonicalURL
	if postURL == "" && post.Slug != "" {
		postURL = p.baseURL + "/p/" + post.Slug
	}
	publishedAt := p.now()
	if t, err := time.Parse(time.RFC3339, post.PostDate); err == nil {
		publishedAt = t
	}

	p.logger.Info("Post published",
		zap.Int("draft_id", draft.ID),
		zap.String("url", postURL))

	return &publisher.PublishResult{
		PlatformPostID: strconv.Itoa(draft.ID),
		PlatformURL:    postURL,
		PublishedAt:    publishedAt,
	}, nil
}

// TestConnection lists a single draft to check that the session cookie is still accepted
func (p *Publisher) TestConnection(ctx context.Context) (bool, error) {
	var drafts []draftResponse
	err := publisher.DoJSON(ctx, p.client, http.MethodGet, p.baseURL+"/api/v1/drafts?offset=0&limit=1", p.headers(), nil, &drafts)
	if err != nil {
		var httpErr *publisher.HTTPError
		if errors.As(err, &httpErr) && (httpErr.StatusCode == http.StatusUnauthorized || httpErr.StatusCode == http.StatusForbidden) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// RefreshAccessToken is unsupported: Substack sessions are cookie based.
func (p *Publisher) RefreshAccessToken(context.Context) (*publisher.TokenSet, error) {
	return nil, publisher.ErrRefreshUnsupported
}
