package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/spicetrace/spicetrace-backend/internal/index"
)

type VerifyHandler struct {
	index index.Index
}

func NewVerifyHandler(ix index.Index) *VerifyHandler {
	return &VerifyHandler{index: ix}
}

func (vh *VerifyHandler) Verify(c *gin.Context) {
	snapshot, err := vh.index.Verify(c.Request.Context(), c.Param("product_id"))
	if err != nil {
		RespondDomainError(c, err)
		return
	}
	RespondOK(c, snapshot)
}

func (vh *VerifyHandler) GetTraces(c *gin.Context) {
	traces, err := vh.index.GetTraces(c.Request.Context(), c.Param("product_id"))
	if err != nil {
		RespondDomainError(c, err)
		return
	}
	RespondOK(c, gin.H{"product_id": c.Param("product_id"), "traces": traces})
}

func (vh *VerifyHandler) ListProducts(c *gin.Context) {
	products, err := vh.index.ListProducts(c.Request.Context())
	if err != nil {
		RespondDomainError(c, err)
		return
	}
	RespondOK(c, gin.H{"products": products})
}
