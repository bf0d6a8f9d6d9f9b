package handler

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"listsync/internal/service"
)

// GroupHandler exposes group lifecycle and sync triggers over HTTP.
// Group sub-routes take either the numeric id (sync, delete, operations) or
// the 8-character sync code (info, join) in the :ref segment.
type GroupHandler struct {
	Svc *service.Orchestrator
}

func (h *GroupHandler) Register(r *gin.Engine) {
	api := r.Group("/api/v1")
	api.POST("/groups", h.createGroup)
	api.GET("/groups", h.groupsForUser)
	api.GET("/groups/:ref", h.groupInfo)
	api.POST("/groups/:ref/join", h.joinGroup)
	api.POST("/groups/:ref/sync", h.syncGroup)
	api.GET("/groups/:ref/operations", h.listOperations)
	api.DELETE("/groups/:ref", h.deactivateGroup)
	api.POST("/sync", h.syncAll)
	api.POST("/lists", h.userLists)
	api.POST("/lists/validate", h.validateList)
	api.GET("/health/sync", h.syncHealth)
}

func (h *GroupHandler) createGroup(c *gin.Context) {
	var in service.CreateGroupInput
	if err := c.ShouldBindJSON(&in); err != nil {
		Error(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(in.Name) == "" {
		Error(c, http.StatusBadRequest, "group name is required")
		return
	}
	created, err := h.Svc.CreateGroup(c.Request.Context(), in)
	if err != nil {
		ServiceError(c, err)
		return
	}
	Ok(c, created)
}

// groupsForUser lists active groups, narrowed to one account's memberships
// when a username query parameter is present.
func (h *GroupHandler) groupsForUser(c *gin.Context) {
	var (
		groups any
		err    error
	)
	if username := strings.TrimSpace(c.Query("username")); username != "" {
		groups, err = h.Svc.GroupsForUser(c.Request.Context(), username)
	} else {
		groups, err = h.Svc.ListGroups(c.Request.Context())
	}
	if err != nil {
		ServiceError(c, err)
		return
	}
	Ok(c, groups)
}

func (h *GroupHandler) groupInfo(c *gin.Context) {
	info, err := h.Svc.GroupInfo(c.Request.Context(), c.Param("ref"))
	if err != nil {
		ServiceError(c, err)
		return
	}
	Ok(c, info)
}

func (h *GroupHandler) joinGroup(c *gin.Context) {
	var in service.MemberInput
	if err := c.ShouldBindJSON(&in); err != nil {
		Error(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if in.Username == "" || in.Password == "" || in.ListURL == "" {
		Error(c, http.StatusBadRequest, "username, password and list_url are required")
		return
	}
	memberID, err := h.Svc.JoinGroup(c.Request.Context(), c.Param("ref"), in)
	if err != nil {
		ServiceError(c, err)
		return
	}
	Ok(c, gin.H{"member_id": memberID})
}

func (h *GroupHandler) syncGroup(c *gin.Context) {
	groupID, ok := h.groupID(c)
	if !ok {
		return
	}
	result, err := h.Svc.SyncNow(c.Request.Context(), groupID)
	if err != nil {
		ServiceError(c, err)
		return
	}
	Ok(c, result)
}

func (h *GroupHandler) listOperations(c *gin.Context) {
	groupID, ok := h.groupID(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	ops, err := h.Svc.Store.ListOperations(c.Request.Context(), groupID, limit)
	if err != nil {
		ServiceError(c, err)
		return
	}
	Ok(c, ops)
}

func (h *GroupHandler) deactivateGroup(c *gin.Context) {
	groupID, ok := h.groupID(c)
	if !ok {
		return
	}
	if err := h.Svc.DeactivateGroup(c.Request.Context(), groupID); err != nil {
		ServiceError(c, err)
		return
	}
	Ok(c, gin.H{"group_id": groupID})
}

func (h *GroupHandler) syncAll(c *gin.Context) {
	out, err := h.Svc.SyncAll(c.Request.Context())
	if err != nil {
		ServiceError(c, err)
		return
	}
	Ok(c, out)
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	ListURL  string `json:"list_url"`
}

func (h *GroupHandler) userLists(c *gin.Context) {
	var in credentialsRequest
	if err := c.ShouldBindJSON(&in); err != nil {
		Error(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if in.Username == "" || in.Password == "" {
		Error(c, http.StatusBadRequest, "username and password are required")
		return
	}
	lists, err := h.Svc.UserLists(c.Request.Context(), in.Username, in.Password)
	if err != nil {
		ServiceError(c, err)
		return
	}
	Ok(c, lists)
}

func (h *GroupHandler) validateList(c *gin.Context) {
	var in credentialsRequest
	if err := c.ShouldBindJSON(&in); err != nil {
		Error(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if in.Username == "" || in.Password == "" || in.ListURL == "" {
		Error(c, http.StatusBadRequest, "username, password and list_url are required")
		return
	}
	if err := h.Svc.ValidateList(c.Request.Context(), in.Username, in.Password, in.ListURL); err != nil {
		ServiceError(c, err)
		return
	}
	Ok(c, gin.H{"valid": true})
}

func (h *GroupHandler) syncHealth(c *gin.Context) {
	health, err := h.Svc.HealthCheck(c.Request.Context())
	if err != nil {
		ServiceError(c, err)
		return
	}
	Ok(c, health)
}

func (h *GroupHandler) groupID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("ref"), 10, 32)
	if err != nil || id == 0 {
		Error(c, http.StatusBadRequest, "group id must be a positive integer")
		return 0, false
	}
	return uint(id), true
}
