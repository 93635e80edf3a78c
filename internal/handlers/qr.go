package handlers

import (
	"encoding/base64"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/spicetrace/spicetrace-backend/internal/services"
)

type QRHandler struct {
	qrService services.QRService
}

func NewQRHandler(qrService services.QRService) *QRHandler {
	return &QRHandler{qrService: qrService}
}

func (qh *QRHandler) GenerateQR(c *gin.Context) {
	var req struct {
		ProductID   string `json:"product_id"`
		FrontendURL string `json:"frontend_url"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	artifact, err := qh.qrService.GenerateVerificationArtifact(c.Request.Context(), req.ProductID, req.FrontendURL)
	if err != nil {
		RespondDomainError(c, err)
		return
	}
	RespondOK(c, gin.H{
		"product_id":   artifact.ProductID,
		"verify_url":   artifact.VerifyURL,
		"qr_code_data": base64.StdEncoding.EncodeToString(artifact.QRPNG),
		"card_png":     base64.StdEncoding.EncodeToString(artifact.CardPNG),
		"artifact_url": artifact.ArtifactURL,
	})
}
