package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/grigta/vkads/pkg/database"
	"github.com/grigta/vkads/pkg/logger"
	"github.com/grigta/vkads/pkg/middleware"
	"github.com/grigta/vkads/services/vkads-service/internal/models"
	"github.com/grigta/vkads/services/vkads-service/internal/service"
)

const defaultTaskLimit = 50

type HTTPHandler struct {
	service service.AutomationService
	logger  logger.Logger
}

func NewHTTPHandler(svc service.AutomationService, log logger.Logger) *HTTPHandler {
	return &HTTPHandler{service: svc, logger: log}
}

// SetupRoutes mounts the API under /api/v1 behind auth.
func (h *HTTPHandler) SetupRoutes(router *gin.Engine, auth ...gin.HandlerFunc) {
	api := router.Group("/api/v1")
	api.Use(auth...)

	accounts := api.Group("/accounts")
	{
		accounts.GET("", h.ListAccounts)
		accounts.POST("", h.CreateAccount)
		accounts.DELETE("/:id", h.DeleteAccount)
	}

	rules := api.Group("/rules")
	{
		rules.GET("", h.ListRules)
		rules.POST("", h.CreateRule)
		rules.PATCH("/:id", h.SetRuleEnabled)
		rules.DELETE("/:id", h.DeleteRule)
	}

	scaling := api.Group("/scaling/configs")
	{
		scaling.GET("", h.ListScalingConfigs)
		scaling.POST("", h.CreateScalingConfig)
		scaling.DELETE("/:id", h.DeleteScalingConfig)
	}

	api.GET("/whitelist", h.GetWhitelist)
	api.PUT("/whitelist", h.SetWhitelist)
	api.PUT("/settings/telegram", h.SetTelegramChat)

	api.POST("/runs", h.StartRun)

	tasks := api.Group("/tasks")
	{
		tasks.GET("", h.ListTasks)
		tasks.GET("/:id", h.GetTask)
		tasks.GET("/:id/logs", h.TaskLogs)
		tasks.POST("/:id/cancel", h.CancelTask)
	}
}

func (h *HTTPHandler) userID(c *gin.Context) (string, bool) {
	id, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
	}
	return id, ok
}

// respondError maps service errors onto status codes.
func (h *HTTPHandler) respondError(c *gin.Context, err error, msg string) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, database.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, database.ErrInvalidID),
		errors.Is(err, models.ErrInvalidAccount),
		errors.Is(err, models.ErrInvalidRule),
		errors.Is(err, models.ErrInvalidScalingConfig),
		errors.Is(err, models.ErrInvalidRunKind):
		status = http.StatusBadRequest
	case errors.Is(err, database.ErrDuplicate),
		errors.Is(err, models.ErrTaskFinished):
		status = http.StatusConflict
	}

	if status == http.StatusInternalServerError {
		h.logger.Error(msg, logger.Err(err))
		c.JSON(status, gin.H{"error": msg})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func (h *HTTPHandler) ListAccounts(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}
	accounts, err := h.service.ListAccounts(c.Request.Context(), userID)
	if err != nil {
		h.respondError(c, err, "Failed to list accounts")
		return
	}
	out := make([]models.Account, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, a.Redacted())
	}
	c.JSON(http.StatusOK, gin.H{"accounts": out})
}

func (h *HTTPHandler) CreateAccount(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}
	var account models.Account
	if err := c.ShouldBindJSON(&account); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	account.ID = primitive.NilObjectID
	account.UserID = userID

	if err := h.service.CreateAccount(c.Request.Context(), &account); err != nil {
		h.respondError(c, err, "Failed to create account")
		return
	}
	c.JSON(http.StatusCreated, account.Redacted())
}

func (h *HTTPHandler) DeleteAccount(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}
	if err := h.service.DeleteAccount(c.Request.Context(), userID, c.Param("id")); err != nil {
		h.respondError(c, err, "Failed to delete account")
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *HTTPHandler) ListRules(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}
	kind := models.RuleKind(c.Query("kind"))
	if kind != "" && kind != models.RuleKindDisable && kind != models.RuleKindBudget {
		c.JSON(http.StatusBadRequest, gin.H{"error": "kind must be disable or budget"})
		return
	}
	rules, err := h.service.ListRules(c.Request.Context(), userID, kind)
	if err != nil {
		h.respondError(c, err, "Failed to list rules")
		return
	}
	if rules == nil {
		rules = []*models.Rule{}
	}
	c.JSON(http.StatusOK, gin.H{"rules": rules})
}

func (h *HTTPHandler) CreateRule(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}
	var rule models.Rule
	if err := c.ShouldBindJSON(&rule); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rule.ID = primitive.NilObjectID
	rule.UserID = userID

	if err := h.service.CreateRule(c.Request.Context(), &rule); err != nil {
		h.respondError(c, err, "Failed to create rule")
		return
	}
	c.JSON(http.StatusCreated, rule)
}

func (h *HTTPHandler) SetRuleEnabled(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}
	var req struct {
		Enabled *bool `json:"enabled" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.service.SetRuleEnabled(c.Request.Context(), userID, c.Param("id"), *req.Enabled); err != nil {
		h.respondError(c, err, "Failed to update rule")
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "enabled": *req.Enabled})
}

func (h *HTTPHandler) DeleteRule(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}
	if err := h.service.DeleteRule(c.Request.Context(), userID, c.Param("id")); err != nil {
		h.respondError(c, err, "Failed to delete rule")
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *HTTPHandler) ListScalingConfigs(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}
	configs, err := h.service.ListScalingConfigs(c.Request.Context(), userID)
	if err != nil {
		h.respondError(c, err, "Failed to list scaling configs")
		return
	}
	if configs == nil {
		configs = []*models.ScalingConfig{}
	}
	c.JSON(http.StatusOK, gin.H{"configs": configs})
}

func (h *HTTPHandler) CreateScalingConfig(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}
	var cfg models.ScalingConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cfg.ID = primitive.NilObjectID
	cfg.UserID = userID

	if err := h.service.CreateScalingConfig(c.Request.Context(), &cfg); err != nil {
		h.respondError(c, err, "Failed to create scaling config")
		return
	}
	c.JSON(http.StatusCreated, cfg)
}

func (h *HTTPHandler) DeleteScalingConfig(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}
	if err := h.service.DeleteScalingConfig(c.Request.Context(), userID, c.Param("id")); err != nil {
		h.respondError(c, err, "Failed to delete scaling config")
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *HTTPHandler) GetWhitelist(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}
	settings, err := h.service.GetSettings(c.Request.Context(), userID)
	if err != nil {
		h.respondError(c, err, "Failed to get whitelist")
		return
	}
	ids := settings.Whitelist
	if ids == nil {
		ids = []int64{}
	}
	c.JSON(http.StatusOK, gin.H{"banner_ids": ids})
}

func (h *HTTPHandler) SetWhitelist(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}
	var req struct {
		BannerIDs []int64 `json:"banner_ids"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.BannerIDs == nil {
		req.BannerIDs = []int64{}
	}
	if err := h.service.SetWhitelist(c.Request.Context(), userID, req.BannerIDs); err != nil {
		h.respondError(c, err, "Failed to set whitelist")
		return
	}
	c.JSON(http.StatusOK, gin.H{"banner_ids": req.BannerIDs})
}

func (h *HTTPHandler) SetTelegramChat(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}
	var req struct {
		ChatID int64 `json:"chat_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.service.SetTelegramChat(c.Request.Context(), userID, req.ChatID); err != nil {
		h.respondError(c, err, "Failed to set telegram chat")
		return
	}
	c.JSON(http.StatusOK, gin.H{"chat_id": req.ChatID})
}

func (h *HTTPHandler) StartRun(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}
	var req service.RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	task, err := h.service.StartRun(c.Request.Context(), userID, req)
	if err != nil {
		h.respondError(c, err, "Failed to start run")
		return
	}
	c.JSON(http.StatusAccepted, task)
}

func (h *HTTPHandler) ListTasks(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}
	limit := int64(defaultTaskLimit)
	if v := c.Query("limit"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	tasks, err := h.service.ListTasks(c.Request.Context(), userID, limit)
	if err != nil {
		h.respondError(c, err, "Failed to list tasks")
		return
	}
	if tasks == nil {
		tasks = []*models.Task{}
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

func (h *HTTPHandler) GetTask(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}
	task, err := h.service.GetTask(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		h.respondError(c, err, "Failed to get task")
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *HTTPHandler) TaskLogs(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}
	logs, err := h.service.TaskLogs(c.Request.Context(), userID, c.Param("id"), 500)
	if err != nil {
		h.respondError(c, err, "Failed to get task logs")
		return
	}
	c.JSON(http.StatusOK, logs)
}

func (h *HTTPHandler) CancelTask(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}
	if err := h.service.CancelTask(c.Request.Context(), userID, c.Param("id")); err != nil {
		h.respondError(c, err, "Failed to cancel task")
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "status": models.TaskCancelled})
}
