package api

import (
	"github.com/gin-gonic/gin"
	"github.com/xgpxg/conreg/pkg/protocol"
	"github.com/xgpxg/conreg/pkg/types"
)

type namespaceUpsertRequest struct {
	ID          string `json:"id" binding:"required"`
	Name        string `json:"name"`
	Description string `json:"description"`
	IsAuth      bool   `json:"is_auth"`
	AuthToken   string `json:"auth_token"`
}

func (s *Server) namespaceUpsert(c *gin.Context) {
	var req namespaceUpsertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, "invalid request: "+err.Error())
		return
	}
	if req.IsAuth && req.AuthToken == "" {
		fail(c, "auth_token is required when auth is enabled")
		return
	}
	err := s.mgr.Namespaces.UpsertAndSync(&types.Namespace{
		ID:          req.ID,
		Name:        req.Name,
		Description: req.Description,
		IsAuth:      req.IsAuth,
		AuthToken:   req.AuthToken,
	})
	if err != nil {
		fail(c, err.Error())
		return
	}
	ok(c, "saved")
}

type namespaceDeleteRequest struct {
	ID string `json:"id" binding:"required"`
}

func (s *Server) namespaceDelete(c *gin.Context) {
	var req namespaceDeleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, "invalid request: "+err.Error())
		return
	}
	if err := s.mgr.Namespaces.DeleteAndSync(req.ID); err != nil {
		fail(c, err.Error())
		return
	}
	ok(c, "deleted")
}

func (s *Server) namespaceList(c *gin.Context) {
	pageNum, pageSize := pageParams(c)
	total, list, err := s.mgr.Namespaces.List(pageNum, pageSize)
	if err != nil {
		fail(c, err.Error())
		return
	}
	// Auth tokens never leave the server.
	for _, ns := range list {
		ns.AuthToken = ""
	}
	ok(c, protocol.PageRes[*types.Namespace]{
		PageNum:  pageNum,
		PageSize: pageSize,
		Total:    total,
		List:     list,
	})
}
