package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/suPer8Hu/supportbot/internal/chat"
	"github.com/suPer8Hu/supportbot/internal/common"
	"github.com/suPer8Hu/supportbot/internal/httpapi/middleware"
)

type submitTurnReq struct {
	Message string `json:"message" binding:"required,notblank,max=8000"`
}

// frameStream writes frames as `DATA: <json>\n\n` chunks. Headers go out with
// the first frame so errors found before it can still be sent as JSON.
type frameStream struct {
	c       *gin.Context
	started bool
}

func (s *frameStream) WriteFrame(f chat.Frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal %s frame: %w", f.FrameType(), err)
	}
	if !s.started {
		s.c.Header("Content-Type", "text/event-stream")
		s.c.Header("Cache-Control", "no-cache")
		s.c.Header("Connection", "keep-alive")
		s.c.Header("X-Accel-Buffering", "no") // helpful if behind nginx
		s.c.Status(http.StatusOK)
		s.started = true
	}
	if _, err := fmt.Fprintf(s.c.Writer, "DATA: %s\n\n", b); err != nil {
		return err
	}
	s.c.Writer.Flush()
	return nil
}

// SubmitTurn handles POST /turns/:chat_id.
func (h *Handler) SubmitTurn(c *gin.Context) {
	var req submitTurnReq
	if err := c.ShouldBindJSON(&req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			common.Fail(c, http.StatusBadRequest, common.CodeInvalidMessage, "message must be a non-empty string of at most 8000 characters")
			return
		}
		common.Fail(c, http.StatusBadRequest, common.CodeInvalidJSON, "invalid json")
		return
	}

	who := middleware.IdentityFrom(c)
	stream := &frameStream{c: c}
	res, err := h.ChatSvc.ProcessTurn(c.Request.Context(), chat.TurnRequest{
		ChatID:   c.Param("chat_id"),
		Identity: who,
		Origin:   c.ClientIP(),
		Message:  req.Message,
	}, stream)
	if err == nil {
		return
	}

	chatID := c.Param("chat_id")
	if res != nil {
		chatID = res.ChatID
	}
	log := h.Log.With(
		zap.String("chat_id", chatID),
		zap.Stringer("who", who),
		zap.String("request_id", c.GetString(middleware.RequestIDKey)),
	)

	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		log.Info("client went away during turn")
		return
	case stream.started:
		// the stream is already open; nothing more can be said to the client
		log.Warn("turn stream aborted", zap.Error(err))
		return
	}

	switch {
	case errors.Is(err, chat.ErrEmptyMessage):
		common.Fail(c, http.StatusBadRequest, common.CodeInvalidMessage, "message must be a non-empty string")
	case errors.Is(err, chat.ErrInvalidChatID):
		common.Fail(c, http.StatusBadRequest, common.CodeInvalidChatID, "invalid chat id")
	case errors.Is(err, chat.ErrChatNotFound):
		common.Fail(c, http.StatusNotFound, common.CodeChatNotFound, "chat not found")
	default:
		log.Error("turn failed before streaming", zap.Error(err))
		common.Fail(c, http.StatusInternalServerError, common.CodeInternal, "internal error")
	}
}
