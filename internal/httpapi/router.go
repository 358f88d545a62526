package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/suPer8Hu/supportbot/internal/chat"
	"github.com/suPer8Hu/supportbot/internal/common"
	"github.com/suPer8Hu/supportbot/internal/httpapi/handlers"
	"github.com/suPer8Hu/supportbot/internal/httpapi/middleware"
	"github.com/suPer8Hu/supportbot/internal/identity"
)

type RouterDeps struct {
	ChatSvc  *chat.Service
	Resolver *identity.Resolver
	Limiter  *middleware.RateLimiter
	Gatherer prometheus.Gatherer
	Log      *zap.Logger
}

func NewRouter(d RouterDeps) *gin.Engine {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}

	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(middleware.RequestID())
	r.Use(middleware.Recovery(log))
	r.Use(middleware.AccessLog(log))

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, common.CodeRouteNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, common.CodeMethodNotAllow, "method not allowed")
	})

	h := handlers.NewHandler(d.ChatSvc, log)

	r.GET("/ping", h.Ping)
	if d.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	}

	// every chat route resolves the caller; a token is optional
	api := r.Group("/")
	api.Use(middleware.Identity(d.Resolver))

	submit := []gin.HandlerFunc{}
	if d.Limiter != nil {
		submit = append(submit, d.Limiter.Handler())
	}
	submit = append(submit, h.SubmitTurn)
	api.POST("/turns/:chat_id", submit...)

	api.GET("/chats/:chat_id/turns", h.ListTurns)
	api.DELETE("/chats/:chat_id", h.DeleteChat)
	return r
}
