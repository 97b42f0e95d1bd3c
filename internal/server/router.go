package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sitekit/teamsync/internal/auth"
	"github.com/sitekit/teamsync/internal/observability"
	"github.com/sitekit/teamsync/internal/people"
	"go.uber.org/zap"
)

const subjectContextKey = "teamsync_subject"

const heartbeatInterval = 25 * time.Second

var (
	errMissingPeopleService = errors.New("people service dependency required")
	errMissingTokenManager  = errors.New("token manager dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

type Dependencies struct {
	PeopleService *people.Service
	Tokens        TokenValidator
	Realtime      *EventDispatcher
	Logger        *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.PeopleService == nil {
		return nil, errMissingPeopleService
	}
	if deps.Tokens == nil {
		return nil, errMissingTokenManager
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewEventDispatcher()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(observability.RequestLogger(logger))
	router.Use(observability.RequestMetrics())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		people:   deps.PeopleService,
		tokens:   deps.Tokens,
		realtime: realtime,
		logger:   logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	protected := router.Group("/api/v1")
	protected.Use(handler.authorizeRequest)
	protected.GET("/sites/:site/team", handler.handleTeam)
	protected.POST("/sites/:site/team/refresh", handler.handleRefreshTeam)
	protected.GET("/sites/:site/team/members/:user", handler.handleMember)
	protected.PUT("/sites/:site/team/members/:user/role", handler.handleUpdateRole)
	protected.GET("/sites/:site/roles", handler.handleSiteRoles)
	protected.GET("/sites/:site/sync", handler.handleLastSync)
	protected.GET("/sites/:site/events", handler.handleTeamEvents)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	})
}

type httpHandler struct {
	people   *people.Service
	tokens   TokenValidator
	realtime *EventDispatcher
	logger   *zap.Logger
}

type teamResponsePayload struct {
	Members []memberPayload `json:"members"`
}

type memberPayload struct {
	SiteID      int64  `json:"site_id"`
	UserID      int64  `json:"user_id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
	AvatarURL   string `json:"avatar_url"`
	Role        string `json:"role"`
}

func newMemberPayload(person people.Person) memberPayload {
	return memberPayload{
		SiteID:      person.SiteID,
		UserID:      person.UserID,
		Username:    person.Username,
		DisplayName: person.DisplayName,
		Email:       person.Email,
		AvatarURL:   person.AvatarURL,
		Role:        person.Role.String(),
	}
}

type roleUpdateRequestPayload struct {
	Role string `json:"role"`
}

type roleUpdateResponsePayload struct {
	Member   memberPayload `json:"member"`
	UpdateID string        `json:"update_id"`
	Status   string        `json:"status"`
}

type rolesResponsePayload struct {
	Roles []people.RoleDefinition `json:"roles"`
}

type syncStateResponsePayload struct {
	SiteID          int64 `json:"site_id"`
	SyncedAtSeconds int64 `json:"synced_at_s"`
	MemberCount     int64 `json:"member_count"`
}

type refreshEventData struct {
	SiteID          int64 `json:"siteId"`
	Added           int   `json:"added"`
	Updated         int   `json:"updated"`
	Removed         int   `json:"removed"`
	TeamSize        int64 `json:"teamSize"`
	SyncedAtSeconds int64 `json:"syncedAtS"`
}

type roleEventData struct {
	SiteID   int64  `json:"siteId"`
	UserID   int64  `json:"userId"`
	Role     string `json:"role"`
	UpdateID string `json:"updateId"`
	Status   string `json:"status"`
}

type heartbeatEventData struct {
	TimeSeconds int64 `json:"ts"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleTeam(c *gin.Context) {
	siteID, ok := sitePathParam(c)
	if !ok {
		return
	}

	team, err := h.people.Team(c.Request.Context(), siteID)
	if err != nil {
		h.respondServiceError(c, "failed to load team", err)
		return
	}

	members := make([]memberPayload, 0, len(team))
	for _, person := range team {
		members = append(members, newMemberPayload(person))
	}
	c.JSON(http.StatusOK, teamResponsePayload{Members: members})
}

func (h *httpHandler) handleRefreshTeam(c *gin.Context) {
	siteID, ok := sitePathParam(c)
	if !ok {
		return
	}

	summary, err := h.people.RefreshTeam(c.Request.Context(), siteID)
	if err != nil {
		h.respondServiceError(c, "team refresh failed", err)
		return
	}

	h.realtime.Publish(TeamEvent{
		SiteID:    siteID,
		EventType: EventTeamRefreshed,
		Data: refreshEventData{
			SiteID:          summary.SiteID,
			Added:           summary.Added,
			Updated:         summary.Updated,
			Removed:         summary.Removed,
			TeamSize:        summary.TeamSize,
			SyncedAtSeconds: summary.SyncedAt.Unix(),
		},
		Timestamp: time.Now().UTC(),
	})

	c.JSON(http.StatusOK, summary)
}

func (h *httpHandler) handleMember(c *gin.Context) {
	siteID, ok := sitePathParam(c)
	if !ok {
		return
	}
	userID, ok := userPathParam(c)
	if !ok {
		return
	}

	person, found, err := h.people.Member(c.Request.Context(), siteID, userID)
	if err != nil {
		h.respondServiceError(c, "failed to load member", err)
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "member_not_found"})
		return
	}
	c.JSON(http.StatusOK, newMemberPayload(person))
}

func (h *httpHandler) handleUpdateRole(c *gin.Context) {
	siteID, ok := sitePathParam(c)
	if !ok {
		return
	}
	userID, ok := userPathParam(c)
	if !ok {
		return
	}

	var request roleUpdateRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Role) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	role, err := people.ParseRole(request.Role)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_role"})
		return
	}

	person, update, err := h.people.UpdateRole(c.Request.Context(), siteID, userID, role)
	if err != nil {
		h.respondServiceError(c, "role update failed", err)
		return
	}

	h.publishRoleEvent(siteID, userID, role, update.ID(), string(people.RoleUpdatePending))
	go h.watchRoleUpdate(siteID, userID, role, update)

	c.JSON(http.StatusOK, roleUpdateResponsePayload{
		Member:   newMemberPayload(person),
		UpdateID: update.ID(),
		Status:   string(people.RoleUpdatePending),
	})
}

// watchRoleUpdate publishes the settlement event once the remote answers.
func (h *httpHandler) watchRoleUpdate(siteID, userID int64, role people.Role, update *people.RoleUpdate) {
	<-update.Done()
	h.publishRoleEvent(siteID, userID, role, update.ID(), string(update.Outcome()))
}

func (h *httpHandler) publishRoleEvent(siteID, userID int64, role people.Role, updateID, status string) {
	h.realtime.Publish(TeamEvent{
		SiteID:    siteID,
		EventType: EventRoleUpdated,
		Data: roleEventData{
			SiteID:   siteID,
			UserID:   userID,
			Role:     role.String(),
			UpdateID: updateID,
			Status:   status,
		},
		Timestamp: time.Now().UTC(),
	})
}

func (h *httpHandler) handleSiteRoles(c *gin.Context) {
	siteID, ok := sitePathParam(c)
	if !ok {
		return
	}

	roles, err := h.people.SiteRoles(c.Request.Context(), siteID)
	if err != nil {
		h.respondServiceError(c, "failed to load roles", err)
		return
	}
	c.JSON(http.StatusOK, rolesResponsePayload{Roles: roles})
}

func (h *httpHandler) handleLastSync(c *gin.Context) {
	siteID, ok := sitePathParam(c)
	if !ok {
		return
	}

	state, found, err := h.people.LastSync(c.Request.Context(), siteID)
	if err != nil {
		h.respondServiceError(c, "failed to load sync state", err)
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "never_synced"})
		return
	}
	c.JSON(http.StatusOK, syncStateResponsePayload{
		SiteID:          state.SiteID,
		SyncedAtSeconds: state.SyncedAtSeconds,
		MemberCount:     state.MemberCount,
	})
}

func (h *httpHandler) handleTeamEvents(c *gin.Context) {
	siteID, ok := sitePathParam(c)
	if !ok {
		return
	}

	stream, cancel := h.realtime.Subscribe(c.Request.Context(), siteID)
	defer cancel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-heartbeat.C:
			if !h.writeEvent(c, eventHeartbeat, heartbeatEventData{TimeSeconds: time.Now().Unix()}) {
				return
			}
		case event, open := <-stream:
			if !open {
				return
			}
			if !h.writeEvent(c, event.EventType, event.Data) {
				return
			}
		}
	}
}

func (h *httpHandler) writeEvent(c *gin.Context, eventType string, data any) bool {
	encoded, err := json.Marshal(data)
	if err != nil {
		h.logger.Error("failed to encode stream event", zap.Error(err))
		return true
	}
	if _, err := fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", eventType, encoded); err != nil {
		return false
	}
	c.Writer.Flush()
	return true
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := bearerToken(c)
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		// Expired tokens are routine; only unexpected failures warrant a warning.
		if errors.Is(err, auth.ErrExpiredToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(subjectContextKey, subject)
	c.Next()
}

// bearerToken reads the Authorization header, falling back to the
// access_token query parameter for EventSource clients that cannot set
// headers.
func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return strings.TrimSpace(c.Query("access_token"))
}

func sitePathParam(c *gin.Context) (int64, bool) {
	site, err := strconv.ParseInt(c.Param("site"), 10, 64)
	if err != nil || site <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_site"})
		return 0, false
	}
	return site, true
}

func userPathParam(c *gin.Context) (int64, bool) {
	user, err := strconv.ParseInt(c.Param("user"), 10, 64)
	if err != nil || user <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_user"})
		return 0, false
	}
	return user, true
}

func (h *httpHandler) respondServiceError(c *gin.Context, message string, err error) {
	var serviceErr *people.ServiceError
	if !errors.As(err, &serviceErr) {
		h.logger.Error(message, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(statusForServiceCode(serviceErr.Code()), gin.H{"error": serviceErr.Code()})
}

func statusForServiceCode(code string) int {
	switch {
	case strings.HasSuffix(code, ".invalid_site"),
		strings.HasSuffix(code, ".invalid_user"),
		strings.HasSuffix(code, ".missing_role"):
		return http.StatusBadRequest
	case strings.HasSuffix(code, ".remote_fetch_failed"):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
