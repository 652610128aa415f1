package main

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"PPChat/global"
	"PPChat/global/config"
	"PPChat/middleware"
	"PPChat/middleware/security"
	"PPChat/service/auth"
	"PPChat/service/chat"
	"PPChat/service/storage"
)

type membersBody struct {
	Users []uint64 `json:"users" binding:"required,min=1"`
}

// newAdmin builds the HTTP surface: liveness, stats, session membership
// and the WebSocket entry. sessions may be nil when redis is disabled.
func newAdmin(cfg *config.Config, srv *chat.Server, sessions *storage.Members) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(middleware.Recovery(), middleware.AccessLog())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, global.Success(gin.H{"gateway": cfg.Gateway.ID}))
	})
	r.GET("/ws", middleware.Origin(cfg.Gateway.AllowedOrigins), srv.HandleWS)

	ops := r.Group("/")
	if cfg.Gateway.AdminToken != "" {
		guard := auth.NewStaticVerifier(map[string]uint64{cfg.Gateway.AdminToken: 0})
		ops.Use(security.Middleware(security.DefaultOptions(guard)))
	}
	ops.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, global.Success(gin.H{
			"stats":       srv.Stats(),
			"connections": srv.Registry().Snapshot(),
		}))
	})
	if sessions != nil {
		ops.POST("/sessions/:id/members", sessionMembers(sessions, true))
		ops.DELETE("/sessions/:id/members", sessionMembers(sessions, false))
		ops.GET("/sessions/:id/members", func(c *gin.Context) {
			id, ok := sessionID(c)
			if !ok {
				return
			}
			users, err := sessions.Members(c.Request.Context(), id)
			if err != nil {
				_ = c.Error(err)
				c.JSON(http.StatusInternalServerError, global.Fail(http.StatusInternalServerError, err.Error()))
				return
			}
			c.JSON(http.StatusOK, global.Success(gin.H{"session": id, "users": users}))
		})
	}
	return r
}

func sessionID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, global.Fail(http.StatusBadRequest, "bad session id"))
		return 0, false
	}
	return id, true
}

func sessionMembers(sessions *storage.Members, add bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := sessionID(c)
		if !ok {
			return
		}
		var body membersBody
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, global.Fail(http.StatusBadRequest, err.Error()))
			return
		}
		var err error
		if add {
			err = sessions.Add(c.Request.Context(), id, body.Users...)
		} else {
			err = sessions.Remove(c.Request.Context(), id, body.Users...)
		}
		if err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, global.Fail(http.StatusInternalServerError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, global.Success(nil))
	}
}
