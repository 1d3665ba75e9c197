package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/JDaws-Dev/CARD-APP-sub012/internal/auth"
	"github.com/JDaws-Dev/CARD-APP-sub012/internal/collection"
	"github.com/JDaws-Dev/CARD-APP-sub012/internal/owners"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const ownerContextKey = "cardapp_owner_id"

var (
	errMissingGoogleVerifier    = errors.New("google verifier dependency required")
	errMissingTokenManager      = errors.New("token manager dependency required")
	errMissingOwnerRegistry     = errors.New("owner registry dependency required")
	errMissingCollectionService = errors.New("collection service dependency required")
	errInvalidAuthorization     = errors.New("authorization header missing or invalid")
)

type GoogleVerifier interface {
	Verify(ctx context.Context, token string) (auth.GoogleClaims, error)
}

type BackendTokenManager interface {
	IssueBackendToken(ctx context.Context, claims auth.GoogleClaims) (string, int64, error)
	ValidateToken(token string) (string, error)
}

// OwnerRegistry creates owner profiles on first authenticated contact.
type OwnerRegistry interface {
	EnsureProfile(ctx context.Context, attributes owners.ProfileAttributes) (string, error)
}

type Dependencies struct {
	GoogleVerifier GoogleVerifier
	TokenManager   BackendTokenManager
	Owners         OwnerRegistry
	Collection     *collection.Service
	Realtime       *RealtimeDispatcher
	Logger         *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.GoogleVerifier == nil {
		return nil, errMissingGoogleVerifier
	}
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Owners == nil {
		return nil, errMissingOwnerRegistry
	}
	if deps.Collection == nil {
		return nil, errMissingCollectionService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		verifier:   deps.GoogleVerifier,
		tokens:     deps.TokenManager,
		owners:     deps.Owners,
		collection: deps.Collection,
		realtime:   realtime,
		logger:     logger,
	}

	router.POST("/auth/google", handler.handleGoogleAuth)

	protected := router.Group("/collection")
	protected.Use(handler.authorizeRequest)
	protected.POST("/cards", handler.handleAddCard)
	protected.PUT("/cards/quantity", handler.handleSetQuantity)
	protected.POST("/sync", handler.handleReconcile)
	protected.POST("/compare", handler.handleCompare)
	protected.GET("/snapshot", handler.handleSnapshot)
	protected.GET("/status", handler.handleStatus)
	protected.POST("/offline-synced", handler.handleOfflineSynced)
	protected.GET("/events", handler.handleEvents)
	protected.GET("/stream", handler.handleStream)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	})
}

type httpHandler struct {
	verifier   GoogleVerifier
	tokens     BackendTokenManager
	owners     OwnerRegistry
	collection *collection.Service
	realtime   *RealtimeDispatcher
	logger     *zap.Logger
}

type authRequestPayload struct {
	IDToken string `json:"id_token"`
}

type authResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
	OwnerID     string `json:"owner_id"`
}

func (h *httpHandler) handleGoogleAuth(c *gin.Context) {
	var request authRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.IDToken) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	claims, err := h.verifier.Verify(c.Request.Context(), request.IDToken)
	if err != nil {
		h.logger.Warn("google token verification failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	ownerID, err := h.owners.EnsureProfile(c.Request.Context(), owners.ProfileAttributes{
		Subject: claims.Subject,
	})
	if err != nil {
		h.logger.Error("failed to ensure owner profile", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "profile_failed"})
		return
	}

	token, expiresIn, err := h.tokens.IssueBackendToken(c.Request.Context(), claims)
	if err != nil {
		h.logger.Error("failed to issue backend token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, authResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
		OwnerID:     ownerID,
	})
}

// authorizeRequest accepts a bearer header or, for EventSource clients that
// cannot set headers, an access_token query parameter.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := ""
	header := c.GetHeader("Authorization")
	switch {
	case strings.HasPrefix(header, "Bearer "):
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	case header == "":
		token = strings.TrimSpace(c.Query("access_token"))
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(ownerContextKey, subject)
	c.Next()
}

func (h *httpHandler) publishChange(ownerID string, itemKeys []string) {
	h.realtime.Publish(RealtimeMessage{
		OwnerID:   ownerID,
		EventType: RealtimeEventCollectionChanged,
		ItemKeys:  itemKeys,
		Timestamp: time.Now().UTC(),
	})
}
