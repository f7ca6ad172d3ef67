package api

import (
	"github.com/gin-gonic/gin"
	"github.com/xgpxg/conreg/pkg/discovery"
	"github.com/xgpxg/conreg/pkg/protocol"
	"github.com/xgpxg/conreg/pkg/types"
)

type serviceRequest struct {
	NamespaceID string            `json:"namespace_id"`
	ServiceID   string            `json:"service_id" binding:"required"`
	Meta        map[string]string `json:"meta"`
}

func (r *serviceRequest) namespace() string {
	if r.NamespaceID == "" {
		return types.DefaultNamespace
	}
	return r.NamespaceID
}

func (s *Server) serviceRegister(c *gin.Context) {
	var req serviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, "invalid request: "+err.Error())
		return
	}
	if !s.checkNamespaceAuth(c, req.namespace()) {
		return
	}
	if err := s.mgr.Discovery.RegisterService(req.namespace(), req.ServiceID, req.Meta); err != nil {
		fail(c, err.Error())
		return
	}
	ok(c, "registered")
}

func (s *Server) serviceDeregister(c *gin.Context) {
	var req serviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, "invalid request: "+err.Error())
		return
	}
	if !s.checkNamespaceAuth(c, req.namespace()) {
		return
	}
	if err := s.mgr.Discovery.DeregisterService(req.namespace(), req.ServiceID); err != nil {
		fail(c, err.Error())
		return
	}
	ok(c, "deregistered")
}

func (s *Server) serviceList(c *gin.Context) {
	namespaceID := c.DefaultQuery("namespace_id", types.DefaultNamespace)
	if !s.checkNamespaceAuth(c, namespaceID) {
		return
	}
	pageNum, pageSize := pageParams(c)
	total, list, err := s.mgr.Discovery.ListServices(namespaceID, pageNum, pageSize)
	if err != nil {
		fail(c, err.Error())
		return
	}
	ok(c, protocol.PageRes[*discovery.ServiceSummary]{
		PageNum:  pageNum,
		PageSize: pageSize,
		Total:    total,
		List:     list,
	})
}

type instanceRegisterRequest struct {
	NamespaceID string            `json:"namespace_id"`
	ServiceID   string            `json:"service_id" binding:"required"`
	IP          string            `json:"ip" binding:"required"`
	Port        int               `json:"port" binding:"required"`
	Meta        map[string]string `json:"meta"`
}

func (s *Server) instanceRegister(c *gin.Context) {
	var req instanceRegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, "invalid request: "+err.Error())
		return
	}
	namespaceID := req.NamespaceID
	if namespaceID == "" {
		namespaceID = types.DefaultNamespace
	}
	if !s.checkNamespaceAuth(c, namespaceID) {
		return
	}
	inst, err := s.mgr.Discovery.RegisterInstance(namespaceID, req.ServiceID, req.IP, req.Port, req.Meta)
	if err != nil {
		fail(c, err.Error())
		return
	}
	ok(c, inst)
}

type instanceRef struct {
	NamespaceID string `json:"namespace_id"`
	ServiceID   string `json:"service_id" binding:"required"`
	InstanceID  string `json:"instance_id" binding:"required"`
}

func (r *instanceRef) namespace() string {
	if r.NamespaceID == "" {
		return types.DefaultNamespace
	}
	return r.NamespaceID
}

func (s *Server) instanceDeregister(c *gin.Context) {
	var req instanceRef
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, "invalid request: "+err.Error())
		return
	}
	if !s.checkNamespaceAuth(c, req.namespace()) {
		return
	}
	if err := s.mgr.Discovery.DeregisterInstance(req.namespace(), req.ServiceID, req.InstanceID); err != nil {
		fail(c, err.Error())
		return
	}
	ok(c, "deregistered")
}

func (s *Server) instanceList(c *gin.Context) {
	s.listInstances(c, false)
}

func (s *Server) instanceAvailable(c *gin.Context) {
	s.listInstances(c, true)
}

func (s *Server) listInstances(c *gin.Context, availableOnly bool) {
	namespaceID := c.DefaultQuery("namespace_id", types.DefaultNamespace)
	serviceID := c.Query("service_id")
	if serviceID == "" {
		fail(c, "service_id is required")
		return
	}
	if !s.checkNamespaceAuth(c, namespaceID) {
		return
	}

	var (
		list []*types.ServiceInstance
		err  error
	)
	if availableOnly {
		list, err = s.mgr.Discovery.GetAvailableInstances(namespaceID, serviceID)
	} else {
		list, err = s.mgr.Discovery.GetInstances(namespaceID, serviceID)
	}
	if err != nil {
		fail(c, err.Error())
		return
	}
	ok(c, list)
}

func (s *Server) instanceOffline(c *gin.Context) {
	var req instanceRef
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, "invalid request: "+err.Error())
		return
	}
	if err := s.mgr.Discovery.SetInstanceOffline(req.namespace(), req.ServiceID, req.InstanceID); err != nil {
		fail(c, err.Error())
		return
	}
	ok(c, "offline")
}

func (s *Server) instanceOnline(c *gin.Context) {
	var req instanceRef
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, "invalid request: "+err.Error())
		return
	}
	if err := s.mgr.Discovery.SetInstanceOnline(req.namespace(), req.ServiceID, req.InstanceID); err != nil {
		fail(c, err.Error())
		return
	}
	ok(c, "online")
}

func (s *Server) heartbeat(c *gin.Context) {
	var req instanceRef
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, "invalid request: "+err.Error())
		return
	}
	if !s.checkNamespaceAuth(c, req.namespace()) {
		return
	}
	result, err := s.mgr.Discovery.Heartbeat(req.namespace(), req.ServiceID, req.InstanceID)
	if err != nil {
		fail(c, err.Error())
		return
	}
	ok(c, result)
}
