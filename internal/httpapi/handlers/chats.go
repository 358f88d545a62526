package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/suPer8Hu/supportbot/internal/chat"
	"github.com/suPer8Hu/supportbot/internal/common"
	"github.com/suPer8Hu/supportbot/internal/httpapi/middleware"
)

func (h *Handler) chatError(c *gin.Context, err error, op string) {
	switch {
	case errors.Is(err, chat.ErrInvalidChatID):
		common.Fail(c, http.StatusBadRequest, common.CodeInvalidChatID, "invalid chat id")
	case errors.Is(err, chat.ErrChatNotFound):
		// hide existence of other callers' chats
		common.Fail(c, http.StatusNotFound, common.CodeChatNotFound, "chat not found")
	default:
		h.Log.Error(op+" failed", zap.String("chat_id", c.Param("chat_id")), zap.Error(err))
		common.Fail(c, http.StatusInternalServerError, common.CodeInternal, "internal error")
	}
}

// ListTurns handles GET /chats/:chat_id/turns, used by clients to reconcile
// after a refresh frame.
func (h *Handler) ListTurns(c *gin.Context) {
	var afterID uint64
	if s := c.Query("after_id"); s != "" {
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			common.Fail(c, http.StatusBadRequest, common.CodeInvalidJSON, "invalid after_id")
			return
		}
		afterID = n
	}
	limit, _ := strconv.Atoi(c.Query("limit"))

	turns, err := h.ChatSvc.ListTurns(c.Request.Context(), middleware.IdentityFrom(c), c.Param("chat_id"), afterID, limit)
	if err != nil {
		h.chatError(c, err, "list turns")
		return
	}

	var nextAfterID uint64
	if len(turns) > 0 {
		nextAfterID = turns[len(turns)-1].ID
	}
	common.OK(c, gin.H{
		"chat_id":       c.Param("chat_id"),
		"turns":         chat.Views(turns),
		"next_after_id": nextAfterID,
	})
}

// DeleteChat handles DELETE /chats/:chat_id.
func (h *Handler) DeleteChat(c *gin.Context) {
	if err := h.ChatSvc.DeleteChat(c.Request.Context(), middleware.IdentityFrom(c), c.Param("chat_id")); err != nil {
		h.chatError(c, err, "delete chat")
		return
	}
	common.OK(c, gin.H{"chat_id": c.Param("chat_id"), "deleted": true})
}
