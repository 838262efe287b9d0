package wechat_official

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ifuryst/postwave/internal/config"
	"github.com/ifuryst/postwave/internal/errs"
	"github.com/ifuryst/postwave/internal/models"
	"github.com/ifuryst/postwave/internal/service/publisher"
	"github.com/ifuryst/postwave/pkg/util"
)

const (
	ProviderName   = "wechat-official"
	defaultBaseURL = "https://api.weixin.qq.com"

	// WeChat titles are limited to 64 characters
	maxTitleRunes = 64

	errCodeSystemBusy   = -1
	errCodeInvalidToken = 40001
	errCodeTokenExpired = 42001
	errCodeFreqLimit    = 45009
)

// Options configures one official account
type Options struct {
	AppID               string `json:"app_id"`
	AppSecret           string `json:"app_secret"`
	BaseURL             string `json:"base_url"`
	DefaultThumbMediaID string `json:"default_thumb_media_id"`
	NeedOpenComment     int    `json:"need_open_comment"`
	OnlyFansCanComment  int    `json:"only_fans_can_comment"`
	// SourceURL is linked as "read original"
	SourceURL string `json:"source_url"`
}

type Publisher struct {
	opts        Options
	logger      *zap.Logger
	transformer *Transformer
	client      *http.Client
	now         func() time.Time

	mu          sync.Mutex
	accessToken string
	expiresAt   time.Time
}

type accessTokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	ErrCode     int    `json:"errcode"`
	ErrMsg      string `json:"errmsg"`
}

type draftAddRequest struct {
	Articles []article `json:"articles"`
}

type article struct {
	Title              string `json:"title"`
	Author             string `json:"author"`
	Digest             string `json:"digest"`
	Content            string `json:"content"`
	ContentSourceURL   string `json:"content_source_url"`
	ThumbMediaID       string `json:"thumb_media_id"`
	ShowCoverPic       int    `json:"show_cover_pic"`
	NeedOpenComment    int    `json:"need_open_comment"`
	OnlyFansCanComment int    `json:"only_fans_can_comment"`
}

type draftResponse struct {
	MediaID string `json:"media_id"`
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

type publishRequest struct {
	MediaID string `json:"media_id"`
}

type publishResponse struct {
	PublishID string `json:"publish_id"`
	MsgDataID string `json:"msg_data_id"`
	ErrCode   int    `json:"errcode"`
	ErrMsg    string `json:"errmsg"`
}

// APIError is a non-zero errcode from the WeChat API
type APIError struct {
	Op      string
	ErrCode int
	ErrMsg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("WeChat %s API error %d: %s", e.Op, e.ErrCode, e.ErrMsg)
}

func New(opts Options, client *http.Client, logger *zap.Logger) *Publisher {
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if client == nil {
		client = publisher.NewHTTPClient()
	}

	return &Publisher{
		opts:        opts,
		logger:      logger.With(zap.String("provider", ProviderName)),
		transformer: NewTransformer(),
		client:      client,
		now:         time.Now,
	}
}

// NewFactory builds publishers from the global account settings, overridden by
// any keys present in the channel's settings JSON.
func NewFactory(cfg config.WeChatOfficialConfig, logger *zap.Logger) publisher.Factory {
	return func(ch *models.Channel) (publisher.Provider, error) {
		opts := Options{
			AppID:               cfg.AppID,
			AppSecret:           cfg.AppSecret,
			BaseURL:             cfg.BaseURL,
			DefaultThumbMediaID: cfg.DefaultThumbMediaID,
			NeedOpenComment:     cfg.NeedOpenComment,
			OnlyFansCanComment:  cfg.OnlyFansCanComment,
		}
		if s := strings.TrimSpace(ch.Settings); s != "" && s != "{}" {
			if err := json.Unmarshal([]byte(s), &opts); err != nil {
				return nil, fmt.Errorf("invalid channel settings: %w", err)
			}
		}
		if opts.AppID == "" || opts.AppSecret == "" {
			return nil, fmt.Errorf("missing required config: app_id and app_secret")
		}
		return New(opts, nil, logger), nil
	}
}

func (p *Publisher) Name() string {
	return ProviderName
}

func (p *Publisher) Publish(ctx context.Context, content publisher.PublishContent) (*publisher.PublishResult, error) {
	title := util.Headline(content.Title, content.Text, maxTitleRunes)
	if title == "" {
		return nil, errs.Validation("wechat_official.publish", "article title is required")
	}
	if r := []rune(title); len(r) > maxTitleRunes {
		title = string(r[:maxTitleRunes])
	}

	token, err := p.token(ctx, false)
	if err != nil {
		return nil, err
	}

	draft := draftAddRequest{Articles: []article{{
		Title:              title,
		Content:            p.transformer.ToHTML(content),
		ContentSourceURL:   p.opts.SourceURL,
		ThumbMediaID:       p.opts.DefaultThumbMediaID,
		ShowCoverPic:       1,
		NeedOpenComment:    p.opts.NeedOpenComment,
		OnlyFansCanComment: p.opts.OnlyFansCanComment,
	}}}
	if draft.Articles[0].ThumbMediaID == "" {
		p.logger.Warn("No default thumb media_id configured, creating draft without thumbnail")
	}

	mediaID, err := p.addDraft(ctx, token, draft)
	if err != nil {
		return nil, err
	}

	resp, err := p.publishDraft(ctx, token, mediaID)
	if err != nil {
		return nil, err
	}

	p.logger.Info("Content published successfully",
		zap.String("media_id", mediaID),
		zap.String("publish_id", resp.PublishID))

	return &publisher.PublishResult{
		PlatformPostID: resp.PublishID,
		PublishedAt:    p.now(),
	}, nil
}

// TestConnection reports whether the account credentials can obtain a token
func (p *Publisher) TestConnection(ctx context.Context) (bool, error) {
	_, err := p.token(ctx, true)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && !retryableCode(apiErr.ErrCode) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (p *Publisher) RefreshAccessToken(ctx context.Context) (*publisher.TokenSet, error) {
	token, err := p.token(ctx, true)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	expires := p.expiresAt
	p.mu.Unlock()
	return &publisher.TokenSet{AccessToken: token, ExpiresAt: &expires}, nil
}

// token returns the cached access token, fetching a new one when forced or
// within five minutes of expiry.
func (p *Publisher) token(ctx context.Context, force bool) (string, error) {
	p.mu.Lock()
	if !force && p.accessToken != "" && p.now().Add(5*time.Minute).Before(p.expiresAt) {
		token := p.accessToken
		p.mu.Unlock()
		return token, nil
	}
	p.mu.Unlock()

	q := url.Values{}
	q.Set("grant_type", "client_credential")
	q.Set("appid", p.opts.AppID)
	q.Set("secret", p.opts.AppSecret)

	var resp accessTokenResponse
	if err := publisher.DoJSON(ctx, p.client, http.MethodGet, p.opts.BaseURL+"/cgi-bin/token?"+q.Encode(), nil, nil, &resp); err != nil {
		return "", err
	}
	if resp.ErrCode != 0 {
		return "", p.apiError("token", resp.ErrCode, resp.ErrMsg)
	}

	p.mu.Lock()
	p.accessToken = resp.AccessToken
	p.expiresAt = p.now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	p.mu.Unlock()
	return resp.AccessToken, nil
}

func (p *Publisher) addDraft(ctx context.Context, token string, req draftAddRequest) (string, error) {
	var resp draftResponse
	u := p.opts.BaseURL + "/cgi-bin/draft/add?access_token=" + url.QueryEscape(token)
	if err := publisher.DoJSON(ctx, p.client, http.MethodPost, u, nil, req, &resp); err != nil {
		return "", fmt.Errorf("failed to send draft request: %w", err)
	}
	if resp.ErrCode != 0 {
		p.logger.Error("WeChat draft API returned error",
			zap.Int("error_code", resp.ErrCode),
			zap.String("error_message", resp.ErrMsg))
		return "", p.apiError("draft", resp.ErrCode, resp.ErrMsg)
	}
	return resp.MediaID, nil
}

func (p *Publisher) publishDraft(ctx context.Context, token, mediaID string) (*publishResponse, error) {
	var resp publishResponse
	u := p.opts.BaseURL + "/cgi-bin/freepublish/submit?access_token=" + url.QueryEscape(token)
	if err := publisher.DoJSON(ctx, p.client, http.MethodPost, u, nil, publishRequest{MediaID: mediaID}, &resp); err != nil {
		return nil, fmt.Errorf("failed to submit draft %s: %w", mediaID, err)
	}
	if resp.ErrCode != 0 {
		return nil, p.apiError("publish", resp.ErrCode, resp.ErrMsg)
	}
	return &resp, nil
}

// apiError classifies an errcode. Token errors drop the cached token so the
// next attempt fetches a fresh one.
func (p *Publisher) apiError(op string, code int, msg string) error {
	apiErr := &APIError{Op: op, ErrCode: code, ErrMsg: msg}

	if code == errCodeInvalidToken || code == errCodeTokenExpired {
		p.mu.Lock()
		p.accessToken = ""
		p.mu.Unlock()
	}
	if retryableCode(code) {
		return errs.Transient("wechat_official."+op, apiErr)
	}
	return apiErr
}

func retryableCode(code int) bool {
	switch code {
	case errCodeSystemBusy, errCodeInvalidToken, errCodeTokenExpired, errCodeFreqLimit:
		return true
	}
	return false
}
