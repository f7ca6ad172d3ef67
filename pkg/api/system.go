package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/xgpxg/conreg/pkg/protocol"
)

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (s *Server) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, "invalid request: "+err.Error())
		return
	}
	token, err := s.mgr.Users.Login(req.Username, req.Password, c.ClientIP())
	if err != nil {
		fail(c, err.Error())
		return
	}
	ok(c, token)
}

func (s *Server) logout(c *gin.Context) {
	token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	if token == "" {
		fail(c, "no token")
		return
	}
	if err := s.mgr.Users.Logout(token); err != nil {
		fail(c, err.Error())
		return
	}
	ok(c, "logged out")
}

type updatePasswordRequest struct {
	OldPassword string `json:"old_password" binding:"required"`
	NewPassword string `json:"new_password" binding:"required"`
}

func (s *Server) updatePassword(c *gin.Context) {
	username, authed := s.consoleUser(c)
	if !authed {
		c.JSON(http.StatusUnauthorized, protocol.Error[any]("unauthorized"))
		return
	}
	var req updatePasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, "invalid request: "+err.Error())
		return
	}
	if err := s.mgr.Users.UpdatePassword(username, req.OldPassword, req.NewPassword); err != nil {
		fail(c, err.Error())
		return
	}
	ok(c, "password updated")
}
