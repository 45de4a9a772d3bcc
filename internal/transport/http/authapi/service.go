package authapi

import (
	"context"
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"framecast-server-go/internal/domain/auth"
	"framecast-server-go/internal/platform/config"
	"framecast-server-go/internal/platform/errors"
	"framecast-server-go/internal/platform/logging"
	httptransport "framecast-server-go/internal/transport/http"
)

// Service exchanges the shared ingestion secret for publisher tokens.
type Service struct {
	logger *logging.Logger
	config *config.Config
	tokens *auth.TokenManager
}

// NewService creates the token exchange service.
func NewService(cfg *config.Config, logger *logging.Logger, tokens *auth.TokenManager) (*Service, error) {
	if cfg == nil {
		return nil, errors.New(errors.KindConfig, "authapi.new", "config is required")
	}
	if logger == nil {
		return nil, errors.New(errors.KindConfig, "authapi.new", "logger is required")
	}
	if tokens == nil {
		return nil, errors.New(errors.KindConfig, "authapi.new", "token manager is required")
	}

	return &Service{
		logger: logger,
		config: cfg,
		tokens: tokens,
	}, nil
}

// Register wires the token route. It stays on the public group: callers
// authenticate with the shared secret, not with a token they do not have
// yet.
func (s *Service) Register(ctx context.Context, router *gin.RouterGroup) error {
	router.POST("/auth/token", s.handleToken)

	s.logger.InfoTag("HTTP", "auth routes registered")
	return nil
}

// TokenRequest carries the shared secret and the publisher to issue for.
type TokenRequest struct {
	Secret      string `json:"secret" binding:"required"`
	PublisherID string `json:"publisherId" binding:"required"`
}

// TokenResponse returns the signed bearer token.
type TokenResponse struct {
	Token string `json:"token"`
}

// handleToken exchanges the shared secret for a publisher token.
// @Summary Issue a publisher token
// @Description Exchanges the shared ingestion secret for a signed bearer token
// @Tags Auth
// @Accept json
// @Produce json
// @Param request body TokenRequest true "token request"
// @Success 200 {object} TokenResponse
// @Failure 400 {object} httptransport.APIResponse
// @Failure 401 {object} httptransport.APIResponse
// @Router /auth/token [post]
func (s *Service) handleToken(c *gin.Context) {
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httptransport.RespondError(c, http.StatusBadRequest, "invalid request body", gin.H{"error": err.Error()})
		return
	}

	if subtle.ConstantTimeCompare([]byte(req.Secret), []byte(s.config.Auth.Secret)) != 1 {
		s.logger.WarnTag("Auth", "rejected token request from %s", c.ClientIP())
		httptransport.RespondError(c, http.StatusUnauthorized, "invalid secret", nil)
		return
	}

	token, err := s.tokens.Issue(req.PublisherID)
	if err != nil {
		httptransport.RespondError(c, http.StatusInternalServerError, "failed to issue token", gin.H{"error": err.Error()})
		return
	}

	s.logger.InfoTag("Auth", "issued token for publisher %s", req.PublisherID)
	httptransport.RespondSuccess(c, http.StatusOK, TokenResponse{Token: token}, "")
}
