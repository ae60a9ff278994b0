package controllers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	apperrors "github.com/ossobv/osso-djuty-sub000/common/errors"
	"github.com/ossobv/osso-djuty-sub000/models"
	"github.com/ossobv/osso-djuty-sub000/providers"
)

// PaymentStore is the part of services.PaymentService the API reads and creates through.
type PaymentStore interface {
	CreatePayment(ctx context.Context, req *models.CreatePaymentRequest) (*models.Payment, error)
	GetPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error)
}

// PaymentFlows is satisfied by *services.Reconciler.
type PaymentFlows interface {
	Start(ctx context.Context, id uuid.UUID, bankID string) (*providers.Redirect, error)
	RequestStatus(ctx context.Context, id uuid.UUID) (*models.Payment, error)
}

// PaymentController handles the payment API.
type PaymentController struct {
	payments PaymentStore
	flows    PaymentFlows
}

func NewPaymentController(payments PaymentStore, flows PaymentFlows) *PaymentController {
	return &PaymentController{payments: payments, flows: flows}
}

// CreatePayment handles POST /payments
func (pc *PaymentController) CreatePayment(ctx *gin.Context) {
	var req models.CreatePaymentRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "details": err.Error()})
		return
	}

	p, err := pc.payments.CreatePayment(ctx.Request.Context(), &req)
	if err != nil {
		_ = ctx.Error(err)
		return
	}
	ctx.JSON(http.StatusCreated, models.NewPaymentResponse(p))
}

// GetPayment handles GET /payments/:id
func (pc *PaymentController) GetPayment(ctx *gin.Context) {
	id, ok := paymentID(ctx, "id")
	if !ok {
		return
	}
	p, err := pc.payments.GetPayment(ctx.Request.Context(), id)
	if err != nil {
		_ = ctx.Error(err)
		return
	}
	ctx.JSON(http.StatusOK, models.NewPaymentResponse(p))
}

// StartPayment handles POST /payments/:id/start
func (pc *PaymentController) StartPayment(ctx *gin.Context) {
	id, ok := paymentID(ctx, "id")
	if !ok {
		return
	}
	var req models.StartPaymentRequest
	if ctx.Request.ContentLength > 0 {
		if err := ctx.ShouldBindJSON(&req); err != nil {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "details": err.Error()})
			return
		}
	}

	redirect, err := pc.flows.Start(ctx.Request.Context(), id, req.BankID)
	if err != nil {
		var startErr *providers.StartError
		if errors.As(err, &startErr) {
			ctx.JSON(apperrors.StatusCode(err), gin.H{"error": err.Error(), "reason": startErr.Reason})
			return
		}
		_ = ctx.Error(err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"redirect": redirect})
}

// PollPayment handles POST /payments/:id/poll
func (pc *PaymentController) PollPayment(ctx *gin.Context) {
	id, ok := paymentID(ctx, "id")
	if !ok {
		return
	}
	p, err := pc.flows.RequestStatus(ctx.Request.Context(), id)
	if err != nil && !errors.Is(err, apperrors.ErrStateConflict) {
		_ = ctx.Error(err)
		return
	}
	if p == nil {
		if p, err = pc.payments.GetPayment(ctx.Request.Context(), id); err != nil {
			_ = ctx.Error(err)
			return
		}
	}
	ctx.JSON(http.StatusOK, models.NewPaymentResponse(p))
}

func paymentID(ctx *gin.Context, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(ctx.Param(param))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "Invalid payment id"})
		return uuid.Nil, false
	}
	return id, true
}
