package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/packmark/packmark/backend/internal/auth"
	"github.com/packmark/packmark/backend/internal/labels"
	"github.com/packmark/packmark/backend/internal/users"
	"go.uber.org/zap"
)

const userIDContextKey = "packmark_user_id"

var (
	errMissingGoogleVerifier = errors.New("google verifier dependency required")
	errMissingTokenManager   = errors.New("token manager dependency required")
	errMissingLabelService   = errors.New("label service dependency required")
	errMissingGateway        = errors.New("access gateway dependency required")
	errMissingUserService    = errors.New("user service dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

type GoogleVerifier interface {
	Verify(ctx context.Context, token string) (auth.GoogleClaims, error)
}

type BackendTokenManager interface {
	IssueBackendToken(ctx context.Context, subject string) (string, int64, error)
	ValidateToken(token string) (string, error)
}

// SessionReader validates an optional session cookie as a bearer fallback.
type SessionReader interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

type Dependencies struct {
	GoogleVerifier GoogleVerifier
	TokenManager   BackendTokenManager
	// Sessions is optional; when set, requests without a bearer token may
	// authenticate through the session cookie.
	Sessions     SessionReader
	UserService  *users.Service
	LabelService *labels.Service
	Gateway      *labels.Gateway
	Sharing      *labels.Sharing
	Realtime     *RealtimeDispatcher
	Logger       *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.GoogleVerifier == nil {
		return nil, errMissingGoogleVerifier
	}
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.LabelService == nil {
		return nil, errMissingLabelService
	}
	if deps.Gateway == nil {
		return nil, errMissingGateway
	}
	if deps.UserService == nil {
		return nil, errMissingUserService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		verifier: deps.GoogleVerifier,
		tokens:   deps.TokenManager,
		sessions: deps.Sessions,
		users:    deps.UserService,
		labels:   deps.LabelService,
		gateway:  deps.Gateway,
		sharing:  deps.Sharing,
		realtime: deps.Realtime,
		logger:   logger,
	}

	router.POST("/auth/google", handler.handleGoogleAuth)
	router.POST("/auth/signup", handler.handleSignup)
	router.POST("/auth/verify", handler.handleVerifyEmail)
	router.POST("/auth/login", handler.handleLogin)

	router.GET("/labels/:id/access", handler.handleAccessLabel)
	router.POST("/labels/:id/verify-pin", handler.handleVerifyPIN)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/labels", handler.handleCreateLabel)
	protected.GET("/labels", handler.handleListLabels)
	protected.GET("/labels/:id", handler.handleGetLabel)
	protected.PATCH("/labels/:id", handler.handleEditLabel)
	protected.DELETE("/labels/:id", handler.handleDeleteLabel)
	protected.POST("/labels/:id/qr", handler.handleRegenerateQR)
	protected.POST("/labels/:id/share", handler.handleShareLabel)
	protected.GET("/shares", handler.handleListShares)
	protected.POST("/shares/:id/accept", handler.handleAcceptShare)
	protected.POST("/shares/:id/decline", handler.handleDeclineShare)
	protected.GET("/notifications", handler.handleListNotifications)
	protected.POST("/notifications/:id/read", handler.handleMarkNotificationRead)
	protected.POST("/admin/notifications", handler.handleBroadcastNotification)
	protected.GET("/events", handler.handleEventStream)

	return router, nil
}

type httpHandler struct {
	verifier GoogleVerifier
	tokens   BackendTokenManager
	sessions SessionReader
	users    *users.Service
	labels   *labels.Service
	gateway  *labels.Gateway
	sharing  *labels.Sharing
	realtime *RealtimeDispatcher
	logger   *zap.Logger
}

type authRequestPayload struct {
	IDToken string `json:"id_token"`
}

type authResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
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

	canonicalID, err := h.users.ResolveCanonicalUserID(auth.SessionClaims{
		UserID: "google:" + claims.Subject,
	})
	if err != nil {
		h.logger.Error("identity resolution failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "identity_resolution_failed"})
		return
	}

	h.issueToken(c, canonicalID)
}

type signupRequestPayload struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *httpHandler) handleSignup(c *gin.Context) {
	var request signupRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	account, err := h.users.Signup(c.Request.Context(), request.Name, request.Email, request.Password)
	switch {
	case err == nil:
		c.JSON(http.StatusCreated, gin.H{"user_id": account.ID})
	case errors.Is(err, users.ErrEmailTaken):
		c.JSON(http.StatusConflict, gin.H{"error": "email_taken"})
	case errors.Is(err, users.ErrWeakPassword):
		c.JSON(http.StatusBadRequest, gin.H{"error": "weak_password"})
	case errors.Is(err, users.ErrInvalidEmail):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_email"})
	default:
		h.logger.Error("signup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "signup_failed"})
	}
}

type verifyEmailRequestPayload struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

func (h *httpHandler) handleVerifyEmail(c *gin.Context) {
	var request verifyEmailRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	err := h.users.VerifyEmail(c.Request.Context(), request.Email, request.Code)
	switch {
	case err == nil:
		c.Status(http.StatusNoContent)
	case errors.Is(err, users.ErrInvalidCode):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_code"})
	case errors.Is(err, users.ErrUserNotFound), errors.Is(err, users.ErrInvalidEmail):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	default:
		h.logger.Error("email verification failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "verification_failed"})
	}
}

type loginRequestPayload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	var request loginRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	account, err := h.users.Login(c.Request.Context(), request.Email, request.Password)
	switch {
	case err == nil:
		h.issueToken(c, account.ID)
	case errors.Is(err, users.ErrInvalidCredentials):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_credentials"})
	case errors.Is(err, users.ErrUnverified):
		c.JSON(http.StatusForbidden, gin.H{"error": "email_not_verified"})
	case errors.Is(err, users.ErrInactive):
		c.JSON(http.StatusForbidden, gin.H{"error": "account_deactivated"})
	default:
		h.logger.Error("login failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login_failed"})
	}
}

func (h *httpHandler) issueToken(c *gin.Context, subject string) {
	token, expiresIn, err := h.tokens.IssueBackendToken(c.Request.Context(), subject)
	if err != nil {
		h.logger.Error("failed to issue backend token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}
	c.JSON(http.StatusOK, authResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

type createLabelRequestPayload struct {
	Category    string `json:"category"`
	Name        string `json:"name"`
	Public      bool   `json:"public"`
	MemoKind    string `json:"memo_kind"`
	MemoPayload []byte `json:"memo_payload"`
}

func (h *httpHandler) handleCreateLabel(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	var request createLabelRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	result, err := h.labels.CreateLabel(c.Request.Context(), labels.CreateRequest{
		OwnerID:     userID,
		Category:    labels.Category(request.Category),
		Name:        request.Name,
		Public:      request.Public,
		MemoKind:    labels.MemoKind(request.MemoKind),
		MemoPayload: request.MemoPayload,
	})
	if err != nil {
		h.respondLabelError(c, "create label failed", err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"label_id": result.LabelID,
		"memo_url": result.MemoURL,
		"qr_url":   result.QRURL,
	})
}

type labelResponsePayload struct {
	ID               uint   `json:"id"`
	Category         string `json:"category"`
	Name             string `json:"name"`
	Public           bool   `json:"public"`
	MemoKind         string `json:"memo_kind"`
	MemoURL          string `json:"memo_url,omitempty"`
	QRURL            string `json:"qr_url,omitempty"`
	CreatedAtSeconds int64  `json:"created_at_s"`
	UpdatedAtSeconds int64  `json:"updated_at_s"`
}

func labelResponse(label labels.Label, qrURL string) labelResponsePayload {
	payload := labelResponsePayload{
		ID:               label.ID,
		Category:         string(label.Category),
		Name:             label.Name,
		Public:           label.Public,
		MemoKind:         string(label.MemoKind),
		QRURL:            qrURL,
		CreatedAtSeconds: label.CreatedAt.Unix(),
		UpdatedAtSeconds: label.UpdatedAt.Unix(),
	}
	if label.MemoURL != nil {
		payload.MemoURL = *label.MemoURL
	}
	return payload
}

func (h *httpHandler) handleListLabels(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	listed, err := h.labels.ListLabels(c.Request.Context(), userID)
	if err != nil {
		h.respondLabelError(c, "list labels failed", err)
		return
	}
	response := make([]labelResponsePayload, 0, len(listed))
	for _, entry := range listed {
		response = append(response, labelResponse(entry.Label, entry.QRURL))
	}
	c.JSON(http.StatusOK, gin.H{"labels": response})
}

func (h *httpHandler) handleGetLabel(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	labelID, ok := parseLabelID(c)
	if !ok {
		return
	}
	label, err := h.labels.GetLabel(c.Request.Context(), labelID, userID)
	if err != nil {
		h.respondLabelError(c, "get label failed", err)
		return
	}
	c.JSON(http.StatusOK, labelResponse(label, ""))
}

type editLabelRequestPayload struct {
	Name        *string `json:"name"`
	Public      *bool   `json:"public"`
	MemoKind    *string `json:"memo_kind"`
	MemoPayload []byte  `json:"memo_payload"`
}

func (h *httpHandler) handleEditLabel(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	labelID, ok := parseLabelID(c)
	if !ok {
		return
	}
	var request editLabelRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	changes := labels.Changes{
		Name:        request.Name,
		Public:      request.Public,
		MemoPayload: request.MemoPayload,
	}
	if request.MemoKind != nil {
		kind := labels.MemoKind(*request.MemoKind)
		changes.MemoKind = &kind
	}

	if err := h.labels.EditLabel(c.Request.Context(), labelID, userID, changes); err != nil {
		h.respondLabelError(c, "edit label failed", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleDeleteLabel(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	labelID, ok := parseLabelID(c)
	if !ok {
		return
	}
	if err := h.labels.DeleteLabel(c.Request.Context(), labelID, userID); err != nil {
		h.respondLabelError(c, "delete label failed", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleRegenerateQR(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	labelID, ok := parseLabelID(c)
	if !ok {
		return
	}
	if err := h.labels.RegenerateQR(c.Request.Context(), labelID, userID); err != nil {
		h.respondLabelError(c, "qr regeneration failed", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleAccessLabel(c *gin.Context) {
	labelID, ok := parseLabelID(c)
	if !ok {
		return
	}
	decision, err := h.gateway.AccessLabel(c.Request.Context(), labelID)
	if err != nil {
		h.respondLabelError(c, "label access failed", err)
		return
	}
	response := gin.H{"state": string(decision.State)}
	if decision.MemoURL != "" {
		response["memo_url"] = decision.MemoURL
	}
	c.JSON(http.StatusOK, response)
}

type verifyPINRequestPayload struct {
	PIN string `json:"pin"`
}

func (h *httpHandler) handleVerifyPIN(c *gin.Context) {
	labelID, ok := parseLabelID(c)
	if !ok {
		return
	}
	var request verifyPINRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	memoURL, err := h.gateway.VerifyPIN(c.Request.Context(), labelID, strings.TrimSpace(request.PIN))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"memo_url": memoURL})
	case errors.Is(err, labels.ErrInvalidPIN):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_pin"})
	case errors.Is(err, labels.ErrPINNotIssued):
		c.JSON(http.StatusConflict, gin.H{"error": "pin_not_issued"})
	case errors.Is(err, labels.ErrLabelNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	default:
		h.logger.Error("pin verification failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "verification_failed"})
	}
}

type shareRequestPayload struct {
	RecipientEmail string `json:"recipient_email"`
}

func (h *httpHandler) handleShareLabel(c *gin.Context) {
	if h.sharing == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "sharing_disabled"})
		return
	}
	userID := c.GetString(userIDContextKey)
	labelID, ok := parseLabelID(c)
	if !ok {
		return
	}
	var request shareRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.RecipientEmail) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	shareID, err := h.sharing.ShareLabel(c.Request.Context(), userID, request.RecipientEmail, labelID)
	switch {
	case err == nil:
		c.JSON(http.StatusCreated, gin.H{"share_id": shareID})
	case errors.Is(err, labels.ErrLabelNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, users.ErrUserNotFound), errors.Is(err, users.ErrInvalidEmail):
		c.JSON(http.StatusNotFound, gin.H{"error": "recipient_not_found"})
	case errors.Is(err, labels.ErrShareSelf):
		c.JSON(http.StatusBadRequest, gin.H{"error": "self_share"})
	default:
		h.logger.Error("share label failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "share_failed"})
	}
}

type shareResponsePayload struct {
	ID               string `json:"id"`
	SenderID         string `json:"sender_id"`
	LabelID          uint   `json:"label_id"`
	Status           string `json:"status"`
	CreatedAtSeconds int64  `json:"created_at_s"`
}

func (h *httpHandler) handleListShares(c *gin.Context) {
	if h.sharing == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "sharing_disabled"})
		return
	}
	userID := c.GetString(userIDContextKey)
	offers, err := h.sharing.ListSharedLabels(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("list shares failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	response := make([]shareResponsePayload, 0, len(offers))
	for _, offer := range offers {
		response = append(response, shareResponsePayload{
			ID:               offer.ID,
			SenderID:         offer.SenderID,
			LabelID:          offer.LabelID,
			Status:           string(offer.Status),
			CreatedAtSeconds: offer.CreatedAt.Unix(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"shares": response})
}

func (h *httpHandler) handleAcceptShare(c *gin.Context) {
	if h.sharing == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "sharing_disabled"})
		return
	}
	userID := c.GetString(userIDContextKey)
	shareID := strings.TrimSpace(c.Param("id"))

	labelID, err := h.sharing.AcceptSharedLabel(c.Request.Context(), shareID, userID)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"label_id": labelID})
	case errors.Is(err, labels.ErrShareNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, labels.ErrShareResolved):
		c.JSON(http.StatusConflict, gin.H{"error": "already_resolved"})
	default:
		h.logger.Error("accept share failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "accept_failed"})
	}
}

func (h *httpHandler) handleDeclineShare(c *gin.Context) {
	if h.sharing == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "sharing_disabled"})
		return
	}
	userID := c.GetString(userIDContextKey)
	shareID := strings.TrimSpace(c.Param("id"))

	err := h.sharing.DeclineSharedLabel(c.Request.Context(), shareID, userID)
	switch {
	case err == nil:
		c.Status(http.StatusNoContent)
	case errors.Is(err, labels.ErrShareNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, labels.ErrShareResolved):
		c.JSON(http.StatusConflict, gin.H{"error": "already_resolved"})
	default:
		h.logger.Error("decline share failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "decline_failed"})
	}
}

type notificationResponsePayload struct {
	ID               uint   `json:"id"`
	Category         string `json:"category"`
	Message          string `json:"message"`
	Read             bool   `json:"read"`
	CreatedAtSeconds int64  `json:"created_at_s"`
}

func (h *httpHandler) handleListNotifications(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	records, err := h.users.ListNotifications(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("list notifications failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	response := make([]notificationResponsePayload, 0, len(records))
	for _, record := range records {
		response = append(response, notificationResponsePayload{
			ID:               record.ID,
			Category:         record.Category,
			Message:          record.Message,
			Read:             record.Read,
			CreatedAtSeconds: record.CreatedAt.Unix(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"notifications": response})
}

func (h *httpHandler) handleMarkNotificationRead(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	rawID := c.Param("id")
	notificationID, err := strconv.ParseUint(rawID, 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_id"})
		return
	}
	err = h.users.MarkNotificationRead(c.Request.Context(), userID, uint(notificationID))
	switch {
	case err == nil:
		c.Status(http.StatusNoContent)
	case errors.Is(err, users.ErrNotificationNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	default:
		h.logger.Error("mark notification read failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update_failed"})
	}
}

type broadcastRequestPayload struct {
	Category string `json:"category"`
	Message  string `json:"message"`
}

func (h *httpHandler) handleBroadcastNotification(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	isAdmin, err := h.users.IsAdmin(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("admin lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "broadcast_failed"})
		return
	}
	if !isAdmin {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}

	var request broadcastRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Message) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	category := strings.TrimSpace(request.Category)
	if category == "" {
		category = "announcement"
	}

	if err := h.users.NotifyAll(c.Request.Context(), category, request.Message); err != nil {
		h.logger.Error("broadcast failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "broadcast_failed"})
		return
	}
	c.Status(http.StatusAccepted)
}

func (h *httpHandler) handleEventStream(c *gin.Context) {
	if h.realtime == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "stream_disabled"})
		return
	}
	userID := c.GetString(userIDContextKey)

	stream, cancel := h.realtime.Subscribe(c.Request.Context(), userID)
	defer cancel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(25 * time.Second)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case message, open := <-stream:
			if !open {
				return false
			}
			c.SSEvent(message.EventType, gin.H{
				"category":  message.Category,
				"message":   message.Message,
				"timestamp": message.Timestamp.Unix(),
			})
			return true
		case <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{})
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// authorizeRequest accepts a bearer token, an access_token query parameter
// for EventSource clients, or the session cookie when a validator is wired.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	token := ""
	if strings.HasPrefix(header, "Bearer ") {
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	if token == "" {
		token = strings.TrimSpace(c.Query("access_token"))
	}

	if token != "" {
		subject, err := h.tokens.ValidateToken(token)
		if err != nil {
			// Expired tokens are routine; only unexpected failures warrant a warning.
			if errors.Is(err, jwt.ErrTokenExpired) {
				h.logger.Info("token validation failed", zap.Error(err))
			} else {
				h.logger.Warn("token validation failed", zap.Error(err))
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(userIDContextKey, subject)
		c.Next()
		return
	}

	if h.sessions != nil {
		claims, err := h.sessions.ValidateRequest(c.Request)
		if err == nil {
			canonicalID, resolveErr := h.users.ResolveCanonicalUserID(claims)
			if resolveErr == nil {
				c.Set(userIDContextKey, canonicalID)
				c.Next()
				return
			}
			h.logger.Warn("session identity resolution failed", zap.Error(resolveErr))
		}
	}

	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
}

func parseLabelID(c *gin.Context) (uint, bool) {
	rawID := c.Param("id")
	parsed, err := strconv.ParseUint(rawID, 10, 64)
	if err != nil || parsed == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_id"})
		return 0, false
	}
	return uint(parsed), true
}

func (h *httpHandler) respondLabelError(c *gin.Context, message string, err error) {
	switch {
	case errors.Is(err, labels.ErrLabelNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, labels.ErrInvalidName),
		errors.Is(err, labels.ErrInvalidCategory),
		errors.Is(err, labels.ErrInvalidMemoKind),
		errors.Is(err, labels.ErrMissingPayload),
		errors.Is(err, labels.ErrMissingOwner):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
	default:
		h.logger.Error(message, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "operation_failed"})
	}
}
