package api

import (
	"errors"
	"io"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/xgpxg/conreg/pkg/configstore"
	"github.com/xgpxg/conreg/pkg/protocol"
	"github.com/xgpxg/conreg/pkg/storage"
	"github.com/xgpxg/conreg/pkg/types"
)

func (s *Server) configUpsert(c *gin.Context) {
	var req configstore.UpsertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, "invalid request: "+err.Error())
		return
	}
	if !s.checkNamespaceAuth(c, req.NamespaceID) {
		return
	}
	if err := s.mgr.Configs.UpsertAndSync(&req); err != nil {
		fail(c, err.Error())
		return
	}
	ok(c, "saved")
}

type configRef struct {
	NamespaceID string `json:"namespace_id" binding:"required"`
	ID          string `json:"id" binding:"required"`
}

func (s *Server) configDelete(c *gin.Context) {
	var req configRef
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, "invalid request: "+err.Error())
		return
	}
	if !s.checkNamespaceAuth(c, req.NamespaceID) {
		return
	}
	if err := s.mgr.Configs.DeleteAndSync(req.NamespaceID, req.ID); err != nil {
		fail(c, err.Error())
		return
	}
	ok(c, "deleted")
}

type recoverRequest struct {
	NamespaceID string `json:"namespace_id" binding:"required"`
	ID          string `json:"id" binding:"required"`
	HistoryID   int64  `json:"history_id" binding:"required"`
}

func (s *Server) configRecover(c *gin.Context) {
	var req recoverRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, "invalid request: "+err.Error())
		return
	}
	if !s.checkNamespaceAuth(c, req.NamespaceID) {
		return
	}
	if err := s.mgr.Configs.Recover(req.NamespaceID, req.ID, req.HistoryID); err != nil {
		fail(c, err.Error())
		return
	}
	ok(c, "recovered")
}

func (s *Server) configGet(c *gin.Context) {
	namespaceID := c.DefaultQuery("namespace_id", types.DefaultNamespace)
	id := c.Query("id")
	if id == "" {
		fail(c, "id is required")
		return
	}
	if !s.checkNamespaceAuth(c, namespaceID) {
		return
	}

	entry, err := s.mgr.Configs.Get(namespaceID, id)
	if err != nil {
		// Absence is not an error: success envelope with null data.
		if errors.Is(err, storage.ErrNotFound) {
			ok[*types.ConfigEntry](c, nil)
			return
		}
		fail(c, err.Error())
		return
	}
	ok(c, entry)
}

func (s *Server) configIDs(c *gin.Context) {
	namespaceID := c.DefaultQuery("namespace_id", types.DefaultNamespace)
	if !s.checkNamespaceAuth(c, namespaceID) {
		return
	}
	ids, err := s.mgr.Configs.ListIDs(namespaceID)
	if err != nil {
		fail(c, err.Error())
		return
	}
	ok(c, ids)
}

func (s *Server) configList(c *gin.Context) {
	namespaceID := c.DefaultQuery("namespace_id", types.DefaultNamespace)
	if !s.checkNamespaceAuth(c, namespaceID) {
		return
	}
	pageNum, pageSize := pageParams(c)
	total, list, err := s.mgr.Configs.List(namespaceID, c.Query("filter_text"), pageNum, pageSize)
	if err != nil {
		fail(c, err.Error())
		return
	}
	ok(c, protocol.PageRes[*types.ConfigEntry]{
		PageNum:  pageNum,
		PageSize: pageSize,
		Total:    total,
		List:     list,
	})
}

func (s *Server) configHistories(c *gin.Context) {
	namespaceID := c.DefaultQuery("namespace_id", types.DefaultNamespace)
	id := c.Query("id")
	if id == "" {
		fail(c, "id is required")
		return
	}
	if !s.checkNamespaceAuth(c, namespaceID) {
		return
	}
	pageNum, pageSize := pageParams(c)
	total, list, err := s.mgr.Configs.ListHistory(namespaceID, id, pageNum, pageSize)
	if err != nil {
		fail(c, err.Error())
		return
	}
	ok(c, protocol.PageRes[*types.ConfigEntry]{
		PageNum:  pageNum,
		PageSize: pageSize,
		Total:    total,
		List:     list,
	})
}

// configWatch long-polls until a config changes in the namespace. The
// data field carries the changed config id, or null when the window
// elapsed without a change.
func (s *Server) configWatch(c *gin.Context) {
	namespaceID := c.DefaultQuery("namespace_id", types.DefaultNamespace)
	if !s.checkNamespaceAuth(c, namespaceID) {
		return
	}

	id, changed := s.mgr.Configs.Watch(c.Request.Context(), namespaceID)
	if !changed {
		ok[*string](c, nil)
		return
	}
	ok(c, &id)
}

func (s *Server) configExport(c *gin.Context) {
	namespaceID := c.DefaultQuery("namespace_id", types.DefaultNamespace)
	if !s.checkNamespaceAuth(c, namespaceID) {
		return
	}
	var ids []string
	if raw := c.Query("ids"); raw != "" {
		ids = strings.Split(raw, ",")
	}
	doc, err := s.mgr.Configs.Export(namespaceID, ids)
	if err != nil {
		fail(c, err.Error())
		return
	}
	c.Header("Content-Disposition", `attachment; filename="configs-`+namespaceID+`.json"`)
	c.Data(200, "application/json", doc)
}

func (s *Server) configImport(c *gin.Context) {
	namespaceID := c.DefaultQuery("namespace_id", types.DefaultNamespace)
	if !s.checkNamespaceAuth(c, namespaceID) {
		return
	}
	doc, err := io.ReadAll(c.Request.Body)
	if err != nil {
		fail(c, "failed to read body: "+err.Error())
		return
	}
	count, err := s.mgr.Configs.Import(namespaceID, doc, c.Query("overwrite") == "true")
	if err != nil {
		fail(c, err.Error())
		return
	}
	ok(c, strconv.Itoa(count)+" configs imported")
}
