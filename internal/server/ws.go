package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/notebridge/notebridge/internal/apperr"
	"github.com/notebridge/notebridge/internal/document"
	"github.com/notebridge/notebridge/internal/protocol"
	"github.com/notebridge/notebridge/internal/relay"
	"github.com/notebridge/notebridge/internal/sharing"
)

const (
	serverSourceUUID = "notebridge-relay"

	disconnectReasonConnectionClosed = "connection_closed"
)

type realtimeHandler struct {
	hub        *Hub
	tokens     ConnectionTokenManager
	relay      *relay.Service
	sharing    *sharing.Service
	idProvider IDProvider
	logger     *zap.Logger
	upgrader   websocket.Upgrader
}

func newRealtimeHandler(deps Dependencies, logger *zap.Logger) *realtimeHandler {
	return &realtimeHandler{
		hub:        deps.Hub,
		tokens:     deps.TokenManager,
		relay:      deps.RelayService,
		sharing:    deps.SharingService,
		idProvider: deps.IDProvider,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// wsInvitePayload is the inbound SHARE_PAGE request shape. Document may be
// omitted when the sender already has a stored snapshot for the page.
type wsInvitePayload struct {
	TargetNotebookUUID string             `json:"targetNotebookUuid"`
	NotebookPageID     string             `json:"notebookPageId"`
	Document           *document.Document `json:"document,omitempty"`
}

// wsUpdatePayload is the inbound SHARE_PAGE_UPDATE shape. A document pushes
// the sender's own edits; a cid pulls and merges a peer's announced snapshot.
type wsUpdatePayload struct {
	PageUUID string             `json:"pageUuid"`
	CID      string             `json:"cid,omitempty"`
	Document *document.Document `json:"document,omitempty"`
}

func (h *realtimeHandler) handleWebsocket(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		header := c.GetHeader("Authorization")
		if strings.HasPrefix(header, "Bearer ") {
			token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		}
	}
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing_token"})
		return
	}

	notebookUUID, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("connection token validation failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	actorUUID := c.Query("actor")
	if actorUUID == "" {
		actorUUID = notebookUUID
	}

	connectionID, err := h.idProvider.NewID()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "id_allocation_failed"})
		return
	}

	socket, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	h.hub.Attach(connectionID, socket)
	if err := h.relay.RegisterClient(c.Request.Context(), connectionID, notebookUUID, actorUUID); err != nil {
		h.hub.Detach(connectionID)
		return
	}

	h.logger.Info("notebook connected",
		zap.String("connection_id", connectionID),
		zap.String("notebook_uuid", notebookUUID))

	go h.readLoop(connectionID, notebookUUID, socket)
}

// readLoop consumes frames until the socket fails, reassembling chunked
// envelopes and dispatching each complete one.
func (h *realtimeHandler) readLoop(connectionID, notebookUUID string, socket *websocket.Conn) {
	defer func() {
		h.hub.Detach(connectionID)
		if err := h.relay.DisconnectClient(context.Background(), connectionID, disconnectReasonConnectionClosed); err != nil {
			h.logger.Warn("client disconnect cleanup failed",
				zap.String("connection_id", connectionID),
				zap.Error(err))
		}
		h.logger.Info("notebook disconnected",
			zap.String("connection_id", connectionID),
			zap.String("notebook_uuid", notebookUUID))
	}()

	_ = socket.SetReadDeadline(time.Now().Add(hubPongWait))
	socket.SetPongHandler(func(string) error {
		return socket.SetReadDeadline(time.Now().Add(hubPongWait))
	})
	socket.SetReadLimit(protocol.MaxFrameBytes)

	reassembler := protocol.NewReassembler()
	for {
		_, raw, err := socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Warn("websocket read failed",
					zap.String("connection_id", connectionID),
					zap.Error(err))
			}
			return
		}

		var frame protocol.Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			h.sendError(connectionID, apperr.New(apperr.KindInvalidPayload, "server.read_frame", "malformed_frame", err))
			continue
		}
		payload, complete, err := reassembler.Add(frame)
		if err != nil {
			h.sendError(connectionID, err)
			continue
		}
		if !complete {
			continue
		}

		envelope, err := protocol.DecodeEnvelope([]byte(payload))
		if err != nil {
			h.sendError(connectionID, err)
			continue
		}
		if err := h.dispatch(connectionID, notebookUUID, envelope); err != nil {
			h.sendError(connectionID, err)
		}
	}
}

func (h *realtimeHandler) dispatch(connectionID, notebookUUID string, envelope protocol.Envelope) error {
	if envelope.Source.UUID != notebookUUID {
		return apperr.New(apperr.KindUnauthorized, "server.dispatch", "source_mismatch", nil)
	}
	ctx := context.Background()

	switch envelope.Operation {
	case protocol.OperationPing:
		return h.sendEnvelope(connectionID, protocol.Envelope{
			Operation: protocol.OperationPing,
			Source:    protocol.Source{UUID: serverSourceUUID},
		})

	case protocol.OperationSharePage:
		var payload wsInvitePayload
		if err := sharing.DecodePayload(envelope, &payload); err != nil {
			return err
		}
		_, err := h.sharing.Invite(ctx, sharing.InviteRequest{
			Source:             envelope.Source,
			TargetNotebookUUID: payload.TargetNotebookUUID,
			NotebookPageID:     payload.NotebookPageID,
			Document:           payload.Document,
		})
		return err

	case protocol.OperationSharePageResponse:
		var payload sharing.ResponsePayload
		if err := sharing.DecodePayload(envelope, &payload); err != nil {
			return err
		}
		if payload.Accepted {
			_, err := h.sharing.Accept(ctx, sharing.AcceptRequest{
				Notebook: envelope.Source,
				PageUUID: payload.PageUUID,
			})
			return err
		}
		return h.sharing.Reject(ctx, sharing.RejectRequest{
			Notebook: envelope.Source,
			PageUUID: payload.PageUUID,
		})

	case protocol.OperationSharePageUpdate:
		var payload wsUpdatePayload
		if err := sharing.DecodePayload(envelope, &payload); err != nil {
			return err
		}
		if payload.Document != nil {
			_, err := h.sharing.Update(ctx, sharing.UpdateRequest{
				Source:   envelope.Source,
				PageUUID: payload.PageUUID,
				Document: *payload.Document,
			})
			return err
		}
		_, err := h.sharing.MergeRemote(ctx, sharing.MergeRequest{
			Notebook: envelope.Source,
			PageUUID: payload.PageUUID,
			CID:      payload.CID,
		})
		return err

	case protocol.OperationSharePageUnlink:
		var payload sharing.UnlinkPayload
		if err := sharing.DecodePayload(envelope, &payload); err != nil {
			return err
		}
		return h.sharing.Unlink(ctx, sharing.UnlinkRequest{
			Notebook: envelope.Source,
			PageUUID: payload.PageUUID,
		})

	case protocol.OperationError:
		h.logger.Warn("peer reported protocol error",
			zap.String("notebook_uuid", notebookUUID),
			zap.String("data", string(envelope.Data)))
		return nil
	}

	return apperr.New(apperr.KindInvalidPayload, "server.dispatch", "unsupported_operation", nil)
}

// sendEnvelope chunks and queues an envelope on a connection.
func (h *realtimeHandler) sendEnvelope(connectionID string, envelope protocol.Envelope) error {
	payload, err := protocol.EncodeEnvelope(envelope)
	if err != nil {
		return err
	}
	messageUUID, err := h.idProvider.NewID()
	if err != nil {
		return err
	}
	frames, err := protocol.Split(string(payload), messageUUID, protocol.DefaultFrameLimit)
	if err != nil {
		return err
	}
	for _, frame := range frames {
		encoded, err := json.Marshal(frame)
		if err != nil {
			return err
		}
		if err := h.hub.Push(context.Background(), connectionID, encoded); err != nil {
			return err
		}
	}
	return nil
}

func (h *realtimeHandler) sendError(connectionID string, cause error) {
	code := "internal"
	var tagged *apperr.Error
	if errors.As(cause, &tagged) {
		code = tagged.Code()
	}
	data, err := json.Marshal(map[string]string{"code": code})
	if err != nil {
		return
	}
	envelope := protocol.Envelope{
		Operation: protocol.OperationError,
		Source:    protocol.Source{UUID: serverSourceUUID},
		Data:      data,
	}
	if err := h.sendEnvelope(connectionID, envelope); err != nil {
		h.logger.Warn("error envelope delivery failed",
			zap.String("connection_id", connectionID),
			zap.Error(err))
	}
}
