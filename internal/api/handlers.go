package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/CZERTAINLY/Bosun/internal/model"
)

const (
	msgNotFound       = "Execution not found"
	msgNotCancellable = "Execution not found or already completed"
)

func writeError(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"error": msg})
}

func (s *Server) execute(c *gin.Context) {
	var req model.LaunchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	res, err := s.executions.Launch(c.Request.Context(), req)
	switch {
	case errors.Is(err, model.ErrInvalidRequest):
		writeError(c, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		slog.ErrorContext(c.Request.Context(), "launch failed", "tool_id", req.ToolID, "error", err)
		writeError(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) active(c *gin.Context) {
	c.JSON(http.StatusOK, s.executions.ListActive())
}

func (s *Server) history(c *gin.Context) {
	records, err := s.executions.History(c.Request.Context())
	if err != nil {
		slog.ErrorContext(c.Request.Context(), "reading history failed", "error", err)
		writeError(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, records)
}

func (s *Server) execution(c *gin.Context) {
	exec, err := s.executions.Get(c.Request.Context(), c.Param("id"))
	switch {
	case errors.Is(err, model.ErrNotFound):
		writeError(c, http.StatusNotFound, msgNotFound)
		return
	case err != nil:
		writeError(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, exec)
}

func (s *Server) cancel(c *gin.Context) {
	err := s.executions.Cancel(c.Param("id"))
	switch {
	case errors.Is(err, model.ErrNotFound):
		writeError(c, http.StatusNotFound, msgNotCancellable)
		return
	case err != nil:
		writeError(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
