package controllers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/ossobv/osso-djuty-sub000/providers"
)

// BankLister is implemented by adapters that let the payer pick a bank.
type BankLister interface {
	Banks(ctx context.Context) ([]providers.Bank, error)
}

// ProviderController lists the enabled gateways.
type ProviderController struct {
	registry *providers.Registry
}

func NewProviderController(registry *providers.Registry) *ProviderController {
	return &ProviderController{registry: registry}
}

// ListProviders handles GET /providers
func (pc *ProviderController) ListProviders(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{"providers": pc.registry.Enabled()})
}

// ListBanks handles GET /providers/:provider/banks
func (pc *ProviderController) ListBanks(ctx *gin.Context) {
	id, err := providers.ParseProviderID(ctx.Param("provider"))
	if err != nil {
		_ = ctx.Error(err)
		return
	}
	adapter, err := pc.registry.Get(id)
	if err != nil {
		_ = ctx.Error(err)
		return
	}
	lister, ok := adapter.(BankLister)
	if !ok {
		ctx.JSON(http.StatusNotFound, gin.H{"error": "Provider has no bank selection"})
		return
	}
	banks, err := lister.Banks(ctx.Request.Context())
	if err != nil {
		_ = ctx.Error(err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"banks": banks})
}
