package main

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/grants_backend/middlewares"
	"bitbucket.org/mmdatafocus/grants_backend/models"
	"bitbucket.org/mmdatafocus/grants_backend/utils"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// readUpload reads the "file" form field. It stops one byte past limit so an oversized file
// is still reported as too large without buffering all of it.
func readUpload(c *gin.Context, limit int64) ([]byte, string, error) {
	fh, err := c.FormFile("file")
	if err != nil {
		return nil, "", fmt.Errorf("%w: multipart field \"file\" is required", models.ErrInvalidInput)
	}
	f, err := fh.Open()
	if err != nil {
		return nil, "", err
	}
	defer f.Close()

	var r io.Reader = f
	if limit > 0 {
		r = io.LimitReader(f, limit+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, "", err
	}
	return data, fh.Filename, nil
}

func (a *api) uploadReceipt(target func(id int) models.ReceiptTarget) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		data, filename, err := readUpload(c, a.engine.Config.MaxFileSize)
		if err != nil {
			logUploadError(a.logger, err, requestIDFromHeaders(c))
			a.fail(c, "uploadReceipt", err)
			return
		}
		receipt, err := a.engine.UploadReceipt(c.Request.Context(), target(id), data, filename, middlewares.ActorId(c))
		if err != nil {
			a.fail(c, "uploadReceipt", err)
			return
		}
		c.JSON(http.StatusCreated, receipt)
	}
}

func (a *api) importSpendingItems(c *gin.Context) {
	grantId, ok := pathId(c, "id")
	if !ok {
		return
	}
	data, filename, err := readUpload(c, a.engine.Config.MaxFileSize)
	if err != nil {
		logUploadError(a.logger, err, requestIDFromHeaders(c))
		a.fail(c, "importSpendingItems", err)
		return
	}
	result, err := a.engine.ImportSpendingItems(c.Request.Context(), grantId, middlewares.ActorId(c), data, filename)
	if err != nil {
		a.fail(c, "importSpendingItems", err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

func logUploadError(logger *logrus.Logger, err error, requestID string) {
	logger.WithFields(logrus.Fields{
		"error":      err.Error(),
		"request_id": requestID,
	}).Warn("[upload.error]")
}

func requestIDFromHeaders(c *gin.Context) string {
	if id, ok := utils.GetCorrelationIdFromContext(c.Request.Context()); ok && id != "" {
		return id
	}
	if id := strings.TrimSpace(c.GetHeader("X-Request-Id")); id != "" {
		return id
	}
	return fmt.Sprintf("upload-%d", time.Now().UnixNano())
}
