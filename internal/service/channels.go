package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ifuryst/postwave/internal/errs"
	"github.com/ifuryst/postwave/internal/models"
	"github.com/ifuryst/postwave/internal/service/publisher"
	"github.com/ifuryst/postwave/internal/store"
)

// ChannelGateway runs connection checks through the provider registry
type ChannelGateway interface {
	TestConnection(ctx context.Context, ch *models.Channel) (bool, error)
	RefreshAccessToken(ctx context.Context, ch *models.Channel) (*publisher.TokenSet, error)
	Tags() []string
}

type ChannelInput struct {
	Provider      string `json:"provider" binding:"required"`
	Name          string `json:"name" binding:"required"`
	CredentialRef string `json:"credential_ref"`
	Settings      string `json:"settings"`
}

// ChannelService keeps channel connection status in step with the platforms
type ChannelService struct {
	store   store.Store
	gateway ChannelGateway
	logger  *zap.Logger
	now     func() time.Time
}

func NewChannelService(st store.Store, gateway ChannelGateway, logger *zap.Logger, now func() time.Time) *ChannelService {
	if now == nil {
		now = time.Now
	}
	return &ChannelService{store: st, gateway: gateway, logger: logger, now: now}
}

func (s *ChannelService) Register(ctx context.Context, tenantID string, in ChannelInput) (*models.Channel, error) {
	const op = "channel.register"
	if tenantID == "" {
		return nil, errs.Access(op, "tenant is required")
	}

	known := false
	for _, tag := range s.gateway.Tags() {
		if tag == in.Provider {
			known = true
			break
		}
	}
	if !known {
		return nil, errs.Validation(op, "provider %q is not enabled", in.Provider)
	}

	settings := strings.TrimSpace(in.Settings)
	if settings == "" {
		settings = "{}"
	}
	ch := &models.Channel{
		ID:               uuid.NewString(),
		TenantID:         tenantID,
		Provider:         in.Provider,
		Name:             in.Name,
		ConnectionStatus: models.ConnectionStatusActive,
		CredentialRef:    in.CredentialRef,
		Settings:         settings,
	}
	if err := s.store.SaveChannel(ctx, ch); err != nil {
		return nil, storeErr(op, err)
	}
	s.logger.Info("Channel registered",
		zap.String("channel_id", ch.ID),
		zap.String("tenant_id", tenantID),
		zap.String("provider", ch.Provider))
	return s.store.GetChannel(ctx, ch.ID)
}

// Verify tests the connection and records the resulting status
func (s *ChannelService) Verify(ctx context.Context, tenantID, channelID string) (*models.Channel, error) {
	const op = "channel.verify"

	ch, err := s.load(ctx, op, tenantID, channelID)
	if err != nil {
		return nil, err
	}

	ok, err := s.gateway.TestConnection(ctx, ch)
	status := models.ConnectionStatusActive
	switch {
	case err != nil && errs.IsRetryable(err):
		// says nothing about the credentials
		return nil, err
	case err != nil:
		status = models.ConnectionStatusError
		s.logger.Warn("Channel check failed", zap.String("channel_id", ch.ID), zap.Error(err))
	case !ok:
		status = models.ConnectionStatusExpired
	}

	if err := s.store.UpdateChannelStatus(ctx, ch.ID, status, nil, s.now()); err != nil {
		return nil, storeErr(op, err)
	}
	s.logger.Info("Channel verified",
		zap.String("channel_id", ch.ID),
		zap.String("provider", ch.Provider),
		zap.String("status", string(status)))
	return s.store.GetChannel(ctx, ch.ID)
}

// Refresh renews the channel's access token. The token itself stays with the
// provider adapter and the credential vault; only its expiry is recorded here.
func (s *ChannelService) Refresh(ctx context.Context, tenantID, channelID string) (*models.Channel, error) {
	const op = "channel.refresh"

	ch, err := s.load(ctx, op, tenantID, channelID)
	if err != nil {
		return nil, err
	}

	tokens, err := s.gateway.RefreshAccessToken(ctx, ch)
	if errors.Is(err, publisher.ErrRefreshUnsupported) {
		return nil, errs.Validation(op, "provider %s does not support token refresh", ch.Provider)
	}
	if err != nil {
		if errs.IsRetryable(err) {
			return nil, err
		}
		if uerr := s.store.UpdateChannelStatus(ctx, ch.ID, models.ConnectionStatusExpired, nil, s.now()); uerr != nil {
			s.logger.Error("Failed to mark channel expired", zap.String("channel_id", ch.ID), zap.Error(uerr))
		}
		return nil, err
	}

	if err := s.store.UpdateChannelStatus(ctx, ch.ID, models.ConnectionStatusActive, tokens.ExpiresAt, s.now()); err != nil {
		return nil, storeErr(op, err)
	}
	s.logger.Info("Channel token refreshed", zap.String("channel_id", ch.ID), zap.String("provider", ch.Provider))
	return s.store.GetChannel(ctx, ch.ID)
}

func (s *ChannelService) load(ctx context.Context, op, tenantID, channelID string) (*models.Channel, error) {
	ch, err := s.store.GetChannel(ctx, channelID)
	if err != nil {
		return nil, storeErr(op, err)
	}
	if tenantID != "" && ch.TenantID != tenantID {
		return nil, errs.Access(op, "channel %s belongs to another tenant", channelID)
	}
	return ch, nil
}
