package handlers

import (
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"
	"go.uber.org/zap"

	"github.com/suPer8Hu/supportbot/internal/chat"
	"github.com/suPer8Hu/supportbot/internal/common"
)

type Handler struct {
	ChatSvc *chat.Service
	Log     *zap.Logger
}

var registerValidators sync.Once

func NewHandler(svc *chat.Service, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	registerValidators.Do(func() {
		if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
			_ = v.RegisterValidation("notblank", validators.NotBlank)
		}
	})
	return &Handler{ChatSvc: svc, Log: log}
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}
