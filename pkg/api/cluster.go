package api

import (
	"errors"
	"io"

	"github.com/gin-gonic/gin"
	"github.com/xgpxg/conreg/pkg/storage"
	"github.com/xgpxg/conreg/pkg/types"
)

type initRequest struct {
	// Servers maps node id to raft address. Empty means initialize a
	// single-node cluster of the receiving node.
	Servers map[string]string `json:"servers"`
}

func (s *Server) clusterInit(c *gin.Context) {
	var req initRequest
	// A bodyless init is the single-node bootstrap.
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		fail(c, "invalid request: "+err.Error())
		return
	}
	if err := s.mgr.Initialize(req.Servers); err != nil {
		fail(c, err.Error())
		return
	}
	ok(c, "initialized")
}

// clusterWrite is the internal forwarding endpoint: followers POST
// commands here and the leader proposes them.
func (s *Server) clusterWrite(c *gin.Context) {
	var cmd types.Command
	if err := c.ShouldBindJSON(&cmd); err != nil {
		fail(c, "invalid command: "+err.Error())
		return
	}
	if err := s.mgr.ApplyOnLeader(cmd); err != nil {
		fail(c, err.Error())
		return
	}
	ok(c, "applied")
}

func (s *Server) clusterRead(c *gin.Context) {
	key := c.Query("key")
	if key == "" {
		fail(c, "key is required")
		return
	}
	linearizable := c.Query("linearizable") == "1"

	value, err := s.mgr.GetKV(key, linearizable)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			fail(c, storage.ErrNotFound.Error())
			return
		}
		fail(c, err.Error())
		return
	}
	ok(c, value)
}

func (s *Server) clusterMetrics(c *gin.Context) {
	stats, err := s.mgr.Metrics()
	if err != nil {
		fail(c, err.Error())
		return
	}
	ok(c, stats)
}

type addLearnerRequest struct {
	NodeID   string `json:"node_id" binding:"required"`
	RaftAddr string `json:"raft_addr" binding:"required"`
	HTTPAddr string `json:"http_addr" binding:"required"`
}

func (s *Server) clusterAddLearner(c *gin.Context) {
	var req addLearnerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, "invalid request: "+err.Error())
		return
	}
	if err := s.mgr.AddLearner(req.NodeID, req.RaftAddr, req.HTTPAddr); err != nil {
		fail(c, err.Error())
		return
	}
	ok(c, "learner added")
}

type changeMembershipRequest struct {
	NodeID   string `json:"node_id" binding:"required"`
	RaftAddr string `json:"raft_addr" binding:"required"`
}

func (s *Server) clusterChangeMembership(c *gin.Context) {
	var req changeMembershipRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, "invalid request: "+err.Error())
		return
	}
	if err := s.mgr.Promote(req.NodeID, req.RaftAddr); err != nil {
		fail(c, err.Error())
		return
	}
	ok(c, "membership changed")
}

type removeNodeRequest struct {
	NodeID string `json:"node_id" binding:"required"`
}

func (s *Server) clusterRemoveNode(c *gin.Context) {
	var req removeNodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, "invalid request: "+err.Error())
		return
	}
	if err := s.mgr.RemoveServer(req.NodeID); err != nil {
		fail(c, err.Error())
		return
	}
	ok(c, "node removed")
}
