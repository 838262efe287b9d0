package publisher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ifuryst/postwave/internal/errs"
	"github.com/ifuryst/postwave/internal/models"
)

// Factory builds a provider bound to one channel
type Factory func(ch *models.Channel) (Provider, error)

type GuardConfig struct {
	Timeout          time.Duration
	FailureThreshold uint
	FailureWindow    uint
	BreakerDelay     time.Duration
	// RateLimit is requests per second per provider; zero disables limiting
	RateLimit float64
	RateBurst int
}

// guard holds the per-provider protections shared by all channels of that provider
type guard struct {
	breaker circuitbreaker.CircuitBreaker[any]
	limiter *rate.Limiter
}

type cachedProvider struct {
	provider  Provider
	updatedAt time.Time
}

// Registry resolves providers by tag and runs every call through a rate
// limiter, a timeout and a circuit breaker.
type Registry struct {
	cfg    GuardConfig
	logger *zap.Logger

	mu        sync.Mutex
	factories map[string]Factory
	guards    map[string]*guard
	providers map[string]cachedProvider

	onBreakerChange func(provider string, state circuitbreaker.State)
}

func NewRegistry(cfg GuardConfig, logger *zap.Logger) *Registry {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.FailureWindow == 0 {
		cfg.FailureWindow = 10
	}
	if cfg.FailureThreshold == 0 || cfg.FailureThreshold > cfg.FailureWindow {
		cfg.FailureThreshold = cfg.FailureWindow / 2
		if cfg.FailureThreshold == 0 {
			cfg.FailureThreshold = 1
		}
	}
	if cfg.BreakerDelay <= 0 {
		cfg.BreakerDelay = time.Minute
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 1
	}

	return &Registry{
		cfg:       cfg,
		logger:    logger,
		factories: make(map[string]Factory),
		guards:    make(map[string]*guard),
		providers: make(map[string]cachedProvider),
	}
}

// OnBreakerChange registers a callback fired on every circuit state change
func (r *Registry) OnBreakerChange(fn func(provider string, state circuitbreaker.State)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onBreakerChange = fn
}

func (r *Registry) Register(tag string, factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[tag]; exists {
		return fmt.Errorf("provider %s already registered", tag)
	}
	r.factories[tag] = factory
	r.guards[tag] = r.newGuard(tag)

	r.logger.Info("Provider registered", zap.String("provider", tag))
	return nil
}

func (r *Registry) Tags() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	tags := make([]string, 0, len(r.factories))
	for tag := range r.factories {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

func (r *Registry) newGuard(tag string) *guard {
	builder := circuitbreaker.NewBuilder[any]().
		WithFailureThresholdRatio(r.cfg.FailureThreshold, r.cfg.FailureWindow).
		WithDelay(r.cfg.BreakerDelay).
		WithSuccessThreshold(1).
		HandleIf(func(_ any, err error) bool {
			// Rejected content says nothing about platform health
			return err != nil && errs.IsRetryable(classify("", err))
		}).
		OnStateChanged(func(event circuitbreaker.StateChangedEvent) {
			r.logger.Warn("Provider circuit breaker state change",
				zap.String("provider", tag),
				zap.String("from_state", StateName(event.OldState)),
				zap.String("to_state", StateName(event.NewState)))
			r.mu.Lock()
			fn := r.onBreakerChange
			r.mu.Unlock()
			if fn != nil {
				fn(tag, event.NewState)
			}
		})

	g := &guard{breaker: builder.Build()}
	if r.cfg.RateLimit > 0 {
		g.limiter = rate.NewLimiter(rate.Limit(r.cfg.RateLimit), r.cfg.RateBurst)
	}
	return g
}

// Provider returns the provider bound to ch, building it on first use or
// after the channel row changed.
func (r *Registry) Provider(ch *models.Channel) (Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	factory, ok := r.factories[ch.Provider]
	if !ok {
		return nil, errs.ChannelUnavailable("publisher.provider", "no provider registered for %q", ch.Provider)
	}

	if cached, ok := r.providers[ch.ID]; ok && cached.updatedAt.Equal(ch.UpdatedAt) {
		return cached.provider, nil
	}

	p, err := factory(ch)
	if err != nil {
		return nil, errs.ChannelUnavailable("publisher.provider", "build %s provider for channel %s: %v", ch.Provider, ch.ID, err)
	}
	r.providers[ch.ID] = cachedProvider{provider: p, updatedAt: ch.UpdatedAt}
	return p, nil
}

func (r *Registry) guardFor(tag string) *guard {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.guards[tag]
}

// Publish delivers content through the channel's provider. Returned errors are classified.
func (r *Registry) Publish(ctx context.Context, ch *models.Channel, content PublishContent) (*PublishResult, error) {
	p, err := r.Provider(ch)
	if err != nil {
		return nil, err
	}

	res, err := guarded(ctx, r, ch.Provider, "publisher.publish", func(ctx context.Context) (*PublishResult, error) {
		return p.Publish(ctx, content)
	})
	if err != nil {
		return nil, err
	}
	if res == nil || res.PlatformPostID == "" {
		return nil, errs.New(errs.KindProvider, "publisher.publish", ch.Provider+" returned no post id")
	}
	if res.PublishedAt.IsZero() {
		res.PublishedAt = time.Now()
	}
	return res, nil
}

func (r *Registry) TestConnection(ctx context.Context, ch *models.Channel) (bool, error) {
	p, err := r.Provider(ch)
	if err != nil {
		return false, err
	}
	return guarded(ctx, r, ch.Provider, "publisher.test_connection", p.TestConnection)
}

func (r *Registry) RefreshAccessToken(ctx context.Context, ch *models.Channel) (*TokenSet, error) {
	p, err := r.Provider(ch)
	if err != nil {
		return nil, err
	}
	return guarded(ctx, r, ch.Provider, "publisher.refresh_token", p.RefreshAccessToken)
}

func guarded[T any](ctx context.Context, r *Registry, tag, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	g := r.guardFor(tag)
	if g == nil {
		return zero, errs.ChannelUnavailable(op, "no provider registered for %q", tag)
	}

	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return zero, errs.Transient(op, fmt.Errorf("rate limit wait: %w", err))
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	out, err := failsafe.With[any](g.breaker).WithContext(callCtx).Get(func() (any, error) {
		return fn(callCtx)
	})
	if err != nil {
		if ctx.Err() != nil {
			// the caller went away (shutdown); the provider did not reject anything
			return zero, errs.Transient(op, fmt.Errorf("%s call interrupted: %w", tag, ctx.Err()))
		}
		if callCtx.Err() == context.DeadlineExceeded {
			return zero, errs.New(errs.KindTimeout, op, fmt.Sprintf("%s call exceeded %s", tag, r.cfg.Timeout))
		}
		return zero, classify(op, err)
	}
	v, _ := out.(T)
	return v, nil
}

func StateName(state circuitbreaker.State) string {
	switch state {
	case circuitbreaker.OpenState:
		return "open"
	case circuitbreaker.HalfOpenState:
		return "half_open"
	default:
		return "closed"
	}
}

// classify maps provider failures onto error kinds
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var classified *errs.Error
	if errors.As(err, &classified) {
		return err
	}

	if errors.Is(err, circuitbreaker.ErrOpen) {
		return errs.Transient(op, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errs.Wrap(errs.KindTimeout, op, err)
	}
	if errors.Is(err, context.Canceled) {
		return errs.Transient(op, err)
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.Retryable() {
			return errs.Transient(op, err)
		}
		return errs.Wrap(errs.KindProvider, op, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return errs.Wrap(errs.KindTimeout, op, err)
		}
		return errs.Transient(op, err)
	}

	return errs.Wrap(errs.KindProvider, op, err)
}
