package main

import (
	"errors"
	"net/http"
	"strconv"

	"bitbucket.org/mmdatafocus/grants_backend/config"
	"bitbucket.org/mmdatafocus/grants_backend/middlewares"
	"bitbucket.org/mmdatafocus/grants_backend/models"
	"bitbucket.org/mmdatafocus/grants_backend/money"
	"bitbucket.org/mmdatafocus/grants_backend/workflow"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

type api struct {
	engine *workflow.Engine
	logger *logrus.Logger
}

// statusFor maps workflow error kinds to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrAccessDenied):
		return http.StatusForbidden
	case errors.Is(err, models.ErrSequenceViolation), errors.Is(err, models.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, models.ErrBudgetExceeded):
		return http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrInvalidFormat), errors.Is(err, models.ErrInvalidInput),
		errors.Is(err, money.ErrInvalidAmount), errors.Is(err, money.ErrTooManyDecimals):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrFileTooLarge):
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

func (a *api) fail(c *gin.Context, funcName string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		config.LogError(a.logger, "server", funcName, c.FullPath(), nil, err)
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func pathId(c *gin.Context, name string) (int, bool) {
	id, err := strconv.Atoi(c.Param(name))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return id, true
}

func (a *api) createGrant(c *gin.Context) {
	var input workflow.NewGrant
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	grant, err := a.engine.CreateGrant(c.Request.Context(), input)
	if err != nil {
		a.fail(c, "createGrant", err)
		return
	}
	c.JSON(http.StatusCreated, grant)
}

func (a *api) getGrant(c *gin.Context) {
	id, ok := pathId(c, "id")
	if !ok {
		return
	}
	grant, err := a.engine.GetGrant(c.Request.Context(), id)
	if err != nil {
		a.fail(c, "getGrant", err)
		return
	}
	c.JSON(http.StatusOK, grant)
}

type createSpendingItemsRequest struct {
	Items []models.NewSpendingItem `json:"items"`
}

func (a *api) createSpendingItems(c *gin.Context) {
	grantId, ok := pathId(c, "id")
	if !ok {
		return
	}
	var body createSpendingItemsRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	items, err := a.engine.CreateSpendingItems(c.Request.Context(), grantId, middlewares.ActorId(c), body.Items)
	if err != nil {
		a.fail(c, "createSpendingItems", err)
		return
	}
	c.JSON(http.StatusCreated, items)
}

func (a *api) listSpendingItems(c *gin.Context) {
	grantId, ok := pathId(c, "id")
	if !ok {
		return
	}
	items, err := a.engine.ListSpendingItems(c.Request.Context(), grantId)
	if err != nil {
		a.fail(c, "listSpendingItems", err)
		return
	}
	c.JSON(http.StatusOK, items)
}

func (a *api) createSpendingRequest(c *gin.Context) {
	var body models.NewSpendingRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req, err := a.engine.CreateSpendingRequest(c.Request.Context(), body.SpendingItemId, body.Amount, middlewares.ActorId(c))
	if err != nil {
		a.fail(c, "createSpendingRequest", err)
		return
	}
	c.JSON(http.StatusCreated, req)
}

func (a *api) getSpendingRequest(c *gin.Context) {
	id, ok := pathId(c, "id")
	if !ok {
		return
	}
	req, err := a.engine.GetSpendingRequest(c.Request.Context(), id)
	if err != nil {
		a.fail(c, "getSpendingRequest", err)
		return
	}
	c.JSON(http.StatusOK, req)
}

type decisionRequest struct {
	Approved *bool  `json:"approved" binding:"required"`
	Reason   string `json:"reason"`
}

func (a *api) decideSpendingRequest(c *gin.Context) {
	id, ok := pathId(c, "id")
	if !ok {
		return
	}
	var body decisionRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req, err := a.engine.ApproveOrReject(c.Request.Context(), id, middlewares.ActorId(c), *body.Approved, body.Reason)
	if err != nil {
		a.fail(c, "decideSpendingRequest", err)
		return
	}
	c.JSON(http.StatusOK, req)
}

func (a *api) verifyReceipt(c *gin.Context) {
	id, ok := pathId(c, "id")
	if !ok {
		return
	}
	receipt, err := a.engine.VerifyReceipt(c.Request.Context(), id, middlewares.ActorId(c))
	if err != nil {
		a.fail(c, "verifyReceipt", err)
		return
	}
	c.JSON(http.StatusOK, receipt)
}

func (a *api) requestAMLFlags(c *gin.Context) {
	id, ok := pathId(c, "id")
	if !ok {
		return
	}
	flags, err := a.engine.GetRequestAMLFlags(c.Request.Context(), id)
	if err != nil {
		a.fail(c, "requestAMLFlags", err)
		return
	}
	c.JSON(http.StatusOK, flags)
}

func (a *api) grantAMLFlags(c *gin.Context) {
	id, ok := pathId(c, "id")
	if !ok {
		return
	}
	summaries, err := a.engine.GetGrantAMLFlags(c.Request.Context(), id)
	if err != nil {
		a.fail(c, "grantAMLFlags", err)
		return
	}
	c.JSON(http.StatusOK, summaries)
}

type amlCheckRequest struct {
	GrantId       int          `json:"grant_id" binding:"required"`
	BeneficiaryId int          `json:"beneficiary_id" binding:"required"`
	Amount        money.Amount `json:"amount"`
}

func (a *api) checkAML(c *gin.Context) {
	var body amlCheckRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	result, err := a.engine.CheckAML(c.Request.Context(), body.GrantId, body.BeneficiaryId, body.Amount)
	if err != nil {
		a.fail(c, "checkAML", err)
		return
	}
	c.JSON(http.StatusOK, result)
}
