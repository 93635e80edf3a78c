package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/spicetrace/spicetrace-backend/internal/services"
)

type ProvenanceHandler struct {
	provenanceService services.ProvenanceService
}

func NewProvenanceHandler(provenanceService services.ProvenanceService) *ProvenanceHandler {
	return &ProvenanceHandler{provenanceService: provenanceService}
}

func (ph *ProvenanceHandler) RegisterProduct(c *gin.Context) {
	var req services.RegisterProductInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	result, err := ph.provenanceService.RegisterProduct(c.Request.Context(), req)
	if err != nil {
		RespondDomainError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, result)
}

func (ph *ProvenanceHandler) UpdateStatus(c *gin.Context) {
	var req services.UpdateStatusInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	result, err := ph.provenanceService.UpdateStatus(c.Request.Context(), req)
	if err != nil {
		RespondDomainError(c, err)
		return
	}
	if result.Status == services.ResultNoop {
		RespondOK(c, result)
		return
	}
	c.JSON(http.StatusAccepted, result)
}

func (ph *ProvenanceHandler) AddTrace(c *gin.Context) {
	var req services.AddTraceInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	result, err := ph.provenanceService.AddTrace(c.Request.Context(), req)
	if err != nil {
		RespondDomainError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, result)
}

func (ph *ProvenanceHandler) GetSubmission(c *gin.Context) {
	submission, err := ph.provenanceService.GetSubmission(c.Request.Context(), c.Param("tx_hash"))
	if err != nil {
		RespondDomainError(c, err)
		return
	}
	RespondOK(c, submission)
}
