package substack

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ifuryst/postwave/internal/config"
	"github.com/ifuryst/postwave/internal/models"
	"github.com/ifuryst/postwave/internal/service/publisher"
)

type fakeSubstack struct {
	mu          sync.Mutex
	draft       createDraftRequest
	publishCode int
}

func (f *fakeSubstack) server(t *testing.T) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/drafts", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Cookie") != "substack.sid=ok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.Method == http.MethodGet {
			_, _ = w.Write([]byte(`[]`))
			return
		}
		var req createDraftRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		f.mu.Lock()
		f.draft = req
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(draftResponse{ID: 987, UUID: "u-1"})
	})
	mux.HandleFunc("/api/v1/drafts/987/publish", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		code := f.publishCode
		f.mu.Unlock()
		if code != 0 {
			w.WriteHeader(code)
			return
		}
		_ = json.NewEncoder(w).Encode(publishResponse{ID: 987, Slug: "launch-day", PostDate: "2026-01-02T03:04:05Z", IsPublished: true})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestPublish(t *testing.T) {
	f := &fakeSubstack{}
	srv := f.server(t)
	p := New(Options{Cookie: "substack.sid=ok", BaseURL: srv.URL}, srv.Client(), zap.NewNop())

	res, err := p.Publish(context.Background(), publisher.PublishContent{
		Title:    "Launch day",
		Text:     "We shipped.\nFinally.",
		Hashtags: []string{"launch"},
	})
	require.NoError(t, err)
	assert.Equal(t, "987", res.PlatformPostID)
	assert.Equal(t, srv.URL+"/p/launch-day", res.PlatformURL)
	assert.Equal(t, 2026, res.PublishedAt.Year())

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, "Launch day", f.draft.DraftTitle)
	assert.Equal(t, "everyone", f.draft.Audience)

	var doc Document
	require.NoError(t, json.Unmarshal([]byte(f.draft.DraftBody), &doc))
	require.Len(t, doc.Content, 2)
	assert.Equal(t, "hardBreak", doc.Content[0].Content[1].Type)
	assert.Equal(t, "#launch", doc.Content[1].Content[0].Text)
}

func TestPublish_ServerErrorIsHTTPError(t *testing.T) {
	f := &fakeSubstack{publishCode: http.StatusBadGateway}
	srv := f.server(t)
	p := New(Options{Cookie: "substack.sid=ok", BaseURL: srv.URL}, srv.Client(), zap.NewNop())

	_, err := p.Publish(context.Background(), publisher.PublishContent{Title: "t", Text: "x"})
	var httpErr *publisher.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.True(t, httpErr.Retryable())
}

func TestTestConnection(t *testing.T) {
	srv := (&fakeSubstack{}).server(t)

	ok, err := New(Options{Cookie: "substack.sid=ok", BaseURL: srv.URL}, srv.Client(), zap.NewNop()).TestConnection(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = New(Options{Cookie: "stale", BaseURL: srv.URL}, srv.Client(), zap.NewNop()).TestConnection(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = New(Options{Cookie: "x", BaseURL: srv.URL}, srv.Client(), zap.NewNop()).RefreshAccessToken(context.Background())
	assert.ErrorIs(t, err, publisher.ErrRefreshUnsupported)
}

func TestFactory(t *testing.T) {
	factory := NewFactory(config.SubstackConfig{Domain: "demo.substack.com"}, zap.NewNop())

	_, err := factory(&models.Channel{ID: "ch"})
	assert.Error(t, err)

	p, err := factory(&models.Channel{ID: "ch", Settings: `{"cookie":"substack.sid=ok","send_email":true}`})
	require.NoError(t, err)
	sp := p.(*Publisher)
	assert.Equal(t, "https://demo.substack.com", sp.baseURL)
	assert.True(t, sp.opts.SendEmail)
}

func TestTransformerEmptyText(t *testing.T) {
	doc := NewTransformer().Document(publisher.PublishContent{})
	require.Len(t, doc.Content, 1)
	assert.Equal(t, "paragraph", doc.Content[0].Type)
}
