package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/notebridge/notebridge/internal/apperr"
	"github.com/notebridge/notebridge/internal/document"
	"github.com/notebridge/notebridge/internal/notebook"
	"github.com/notebridge/notebridge/internal/protocol"
	"github.com/notebridge/notebridge/internal/relay"
	"github.com/notebridge/notebridge/internal/sharing"
)

const notebookContextKey = "notebridge_notebook_uuid"

var (
	errMissingNotebookService = errors.New("notebook service dependency required")
	errMissingTokenManager    = errors.New("token manager dependency required")
	errMissingSharingService  = errors.New("sharing service dependency required")
	errMissingRelayService    = errors.New("relay service dependency required")
	errMissingHub             = errors.New("hub dependency required")
	errMissingIDProvider      = errors.New("id provider dependency required")
	errInvalidAuthorization   = errors.New("authorization header missing or invalid")
)

// ConnectionTokenManager issues and validates short-lived connection tokens.
type ConnectionTokenManager interface {
	IssueConnectionToken(ctx context.Context, notebookUUID string) (string, int64, error)
	ValidateToken(token string) (string, error)
}

// IDProvider issues connection and message identifiers.
type IDProvider interface {
	NewID() (string, error)
}

type Dependencies struct {
	NotebookService *notebook.Service
	TokenManager    ConnectionTokenManager
	SharingService  *sharing.Service
	RelayService    *relay.Service
	Hub             *Hub
	IDProvider      IDProvider
	Logger          *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.NotebookService == nil {
		return nil, errMissingNotebookService
	}
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.SharingService == nil {
		return nil, errMissingSharingService
	}
	if deps.RelayService == nil {
		return nil, errMissingRelayService
	}
	if deps.Hub == nil {
		return nil, errMissingHub
	}
	if deps.IDProvider == nil {
		return nil, errMissingIDProvider
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		notebooks: deps.NotebookService,
		tokens:    deps.TokenManager,
		sharing:   deps.SharingService,
		relay:     deps.RelayService,
		logger:    logger,
	}
	realtime := newRealtimeHandler(deps, logger)

	router.POST("/auth/notebook", handler.handleNotebookAuth)
	router.GET("/ws", realtime.handleWebsocket)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/pages/share", handler.handleShare)
	protected.POST("/pages/accept", handler.handleAccept)
	protected.POST("/pages/reject", handler.handleReject)
	protected.POST("/pages/update", handler.handleUpdate)
	protected.POST("/pages/merge", handler.handleMerge)
	protected.POST("/pages/unlink", handler.handleUnlink)
	protected.GET("/pages/:pageUuid", handler.handleGetPage)
	protected.GET("/messages/unmarked", handler.handleListUnmarked)
	protected.POST("/messages/:messageUuid/mark", handler.handleMark)

	return router, nil
}

type httpHandler struct {
	notebooks *notebook.Service
	tokens    ConnectionTokenManager
	sharing   *sharing.Service
	relay     *relay.Service
	logger    *zap.Logger
}

type authRequestPayload struct {
	NotebookUUID string `json:"notebook_uuid"`
	Token        string `json:"token"`
	App          string `json:"app"`
	Workspace    string `json:"workspace"`
}

type authResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleNotebookAuth(c *gin.Context) {
	var request authRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Token) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	notebookUUID, err := notebook.NewNotebookUUID(request.NotebookUUID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_notebook_uuid"})
		return
	}

	record, err := h.notebooks.Authenticate(c.Request.Context(), notebookUUID, request.Token)
	if err != nil {
		h.logger.Warn("notebook authentication failed",
			zap.String("notebook_uuid", notebookUUID.String()),
			zap.Error(err))
		respondError(c, err)
		return
	}

	// First contact carries the app identity; later calls reuse the record.
	if request.App != "" && request.Workspace != "" && record.Workspace == "" {
		if _, err := h.notebooks.EnsureNotebook(c.Request.Context(), notebookUUID, notebook.AppKind(request.App), request.Workspace); err != nil {
			h.logger.Warn("notebook detail backfill failed",
				zap.String("notebook_uuid", notebookUUID.String()),
				zap.Error(err))
		}
	}

	token, expiresIn, err := h.tokens.IssueConnectionToken(c.Request.Context(), record.UUID)
	if err != nil {
		h.logger.Error("failed to issue connection token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, authResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

type shareRequestPayload struct {
	TargetNotebookUUID string             `json:"target_notebook_uuid"`
	NotebookPageID     string             `json:"notebook_page_id"`
	Document           *document.Document `json:"document,omitempty"`
}

type shareResponsePayload struct {
	PageUUID  string `json:"page_uuid"`
	CID       string `json:"cid"`
	Version   int64  `json:"version"`
	Delivered bool   `json:"delivered"`
}

func (h *httpHandler) handleShare(c *gin.Context) {
	var request shareRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.TargetNotebookUUID == "" || request.NotebookPageID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	result, err := h.sharing.Invite(c.Request.Context(), sharing.InviteRequest{
		Source:             h.requestSource(c),
		TargetNotebookUUID: request.TargetNotebookUUID,
		NotebookPageID:     request.NotebookPageID,
		Document:           request.Document,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, shareResponsePayload{
		PageUUID:  result.PageUUID,
		CID:       result.CID,
		Version:   result.Version,
		Delivered: result.Delivered,
	})
}

type pageRequestPayload struct {
	PageUUID string `json:"page_uuid"`
}

type acceptResponsePayload struct {
	Document  document.Document `json:"document"`
	CID       string            `json:"cid"`
	Version   int64             `json:"version"`
	Delivered bool              `json:"delivered"`
}

func (h *httpHandler) handleAccept(c *gin.Context) {
	var request pageRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.PageUUID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	result, err := h.sharing.Accept(c.Request.Context(), sharing.AcceptRequest{
		Notebook: h.requestSource(c),
		PageUUID: request.PageUUID,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, acceptResponsePayload{
		Document:  result.Document,
		CID:       result.CID,
		Version:   result.Version,
		Delivered: result.Delivered,
	})
}

func (h *httpHandler) handleReject(c *gin.Context) {
	var request pageRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.PageUUID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	if err := h.sharing.Reject(c.Request.Context(), sharing.RejectRequest{
		Notebook: h.requestSource(c),
		PageUUID: request.PageUUID,
	}); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rejected": true})
}

type updateRequestPayload struct {
	PageUUID string            `json:"page_uuid"`
	Document document.Document `json:"document"`
}

type updateResponsePayload struct {
	CID            string `json:"cid"`
	Version        int64  `json:"version"`
	Accepted       bool   `json:"accepted"`
	Unchanged      bool   `json:"unchanged"`
	DeliveredPeers int    `json:"delivered_peers"`
}

func (h *httpHandler) handleUpdate(c *gin.Context) {
	var request updateRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.PageUUID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	result, err := h.sharing.Update(c.Request.Context(), sharing.UpdateRequest{
		Source:   h.requestSource(c),
		PageUUID: request.PageUUID,
		Document: request.Document,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, updateResponsePayload{
		CID:            result.CID,
		Version:        result.Version,
		Accepted:       result.Accepted,
		Unchanged:      result.Unchanged,
		DeliveredPeers: result.DeliveredPeers,
	})
}

type mergeRequestPayload struct {
	PageUUID string `json:"page_uuid"`
	CID      string `json:"cid"`
}

type mergeResponsePayload struct {
	Document document.Document `json:"document"`
	CID      string            `json:"cid"`
	Version  int64             `json:"version"`
	Accepted bool              `json:"accepted"`
}

func (h *httpHandler) handleMerge(c *gin.Context) {
	var request mergeRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.PageUUID == "" || request.CID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	result, err := h.sharing.MergeRemote(c.Request.Context(), sharing.MergeRequest{
		Notebook: h.requestSource(c),
		PageUUID: request.PageUUID,
		CID:      request.CID,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, mergeResponsePayload{
		Document: result.Document,
		CID:      result.CID,
		Version:  result.Version,
		Accepted: result.Accepted,
	})
}

func (h *httpHandler) handleUnlink(c *gin.Context) {
	var request pageRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.PageUUID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	if err := h.sharing.Unlink(c.Request.Context(), sharing.UnlinkRequest{
		Notebook: h.requestSource(c),
		PageUUID: request.PageUUID,
	}); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"unlinked": true})
}

type pageResponsePayload struct {
	Document document.Document `json:"document"`
	Version  int64             `json:"version"`
}

func (h *httpHandler) handleGetPage(c *gin.Context) {
	pageUUID := c.Param("pageUuid")
	doc, version, err := h.sharing.GetDocument(c.Request.Context(), c.GetString(notebookContextKey), pageUUID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, pageResponsePayload{Document: doc, Version: version})
}

type unmarkedMessagePayload struct {
	UUID             string             `json:"uuid"`
	Operation        string             `json:"operation"`
	SourceUUID       string             `json:"source_uuid"`
	CreatedAtSeconds int64              `json:"created_at_s"`
	Envelope         *protocol.Envelope `json:"envelope,omitempty"`
}

// handleListUnmarked powers reconnect reconciliation: the notebook replays
// every message it never acted on, envelope included when the audit blob is
// still readable.
func (h *httpHandler) handleListUnmarked(c *gin.Context) {
	target := c.GetString(notebookContextKey)
	messages, err := h.relay.ListUnmarked(c.Request.Context(), target)
	if err != nil {
		respondError(c, err)
		return
	}

	response := make([]unmarkedMessagePayload, 0, len(messages))
	for _, message := range messages {
		entry := unmarkedMessagePayload{
			UUID:             message.UUID,
			Operation:        message.Operation,
			SourceUUID:       message.SourceUUID,
			CreatedAtSeconds: message.CreatedAtSeconds,
		}
		envelope, err := h.relay.LoadEnvelope(c.Request.Context(), message.UUID)
		if err == nil {
			entry.Envelope = &envelope
		} else if !apperr.IsKind(err, apperr.KindNotFound) {
			respondError(c, err)
			return
		}
		response = append(response, entry)
	}
	c.JSON(http.StatusOK, gin.H{"messages": response})
}

func (h *httpHandler) handleMark(c *gin.Context) {
	if err := h.relay.Mark(c.Request.Context(), c.Param("messageUuid")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"marked": true})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(notebookContextKey, subject)
	c.Next()
}

func (h *httpHandler) requestSource(c *gin.Context) protocol.Source {
	return protocol.Source{UUID: c.GetString(notebookContextKey)}
}

// respondError maps error kinds to HTTP statuses. The kind-to-status mapping
// lives only at this boundary; services never see transport codes.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch apperr.KindOf(err) {
	case apperr.KindNotFound:
		status = http.StatusNotFound
	case apperr.KindUnauthorized:
		status = http.StatusUnauthorized
	case apperr.KindConflict:
		status = http.StatusConflict
	case apperr.KindInvalidPayload:
		status = http.StatusBadRequest
	}

	code := "internal_error"
	var tagged *apperr.Error
	if errors.As(err, &tagged) {
		code = tagged.Code()
	}
	c.JSON(status, gin.H{"error": code})
}
