package controllers

import (
	"context"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	apperrors "github.com/ossobv/osso-djuty-sub000/common/errors"
	"github.com/ossobv/osso-djuty-sub000/providers"
	"github.com/ossobv/osso-djuty-sub000/services"
	"go.uber.org/zap"
)

const maxCallbackBody = 1 << 20

// CallbackHandler is satisfied by *services.Reconciler.
type CallbackHandler interface {
	HandleReturn(ctx context.Context, provider providers.ProviderID, req *http.Request, body []byte, pathID uuid.UUID) (*services.ReturnResult, error)
	HandleReport(ctx context.Context, provider providers.ProviderID, req *http.Request, body []byte, pathID uuid.UUID) (int, string)
	HandleAbort(ctx context.Context, provider providers.ProviderID, req *http.Request, body []byte, pathID uuid.UUID) (*services.ReturnResult, error)
}

// CallbackController handles the URLs gateways and returning payers hit.
type CallbackController struct {
	handler CallbackHandler
	logger  *zap.Logger
}

func NewCallbackController(handler CallbackHandler, logger *zap.Logger) *CallbackController {
	return &CallbackController{handler: handler, logger: logger}
}

// Return handles GET /callbacks/:provider/return/:payment_id
func (cc *CallbackController) Return(ctx *gin.Context) {
	cc.redirect(ctx, cc.handler.HandleReturn)
}

// Abort handles GET /callbacks/:provider/abort/:payment_id
func (cc *CallbackController) Abort(ctx *gin.Context) {
	cc.redirect(ctx, cc.handler.HandleAbort)
}

// Report handles GET|POST /callbacks/:provider/report[/:payment_id]. The
// gateway only ever sees the plain text acknowledgement.
func (cc *CallbackController) Report(ctx *gin.Context) {
	provider, pathID, body, ok := cc.parse(ctx)
	if !ok {
		return
	}
	code, ack := cc.handler.HandleReport(ctx.Request.Context(), provider, ctx.Request, body, pathID)
	ctx.String(code, ack)
}

type returnFlow func(ctx context.Context, provider providers.ProviderID, req *http.Request, body []byte, pathID uuid.UUID) (*services.ReturnResult, error)

func (cc *CallbackController) redirect(ctx *gin.Context, flow returnFlow) {
	provider, pathID, body, ok := cc.parse(ctx)
	if !ok {
		return
	}
	res, err := flow(ctx.Request.Context(), provider, ctx.Request, body, pathID)
	if err != nil {
		cc.logger.Warn("Callback failed",
			zap.String("provider", string(provider)),
			zap.String("path", ctx.Request.URL.Path),
			zap.Error(err),
		)
	}
	// the payer goes back to the shop whenever the payment is known
	if res != nil {
		ctx.Redirect(http.StatusFound, res.RedirectURL)
		return
	}
	if err == nil {
		err = apperrors.Newf(apperrors.KindNotFound, "payment for %s callback not found", provider)
	}
	_ = ctx.Error(err)
}

func (cc *CallbackController) parse(ctx *gin.Context) (providers.ProviderID, uuid.UUID, []byte, bool) {
	provider, err := providers.ParseProviderID(ctx.Param("provider"))
	if err != nil {
		ctx.String(http.StatusNotFound, "unknown provider")
		return "", uuid.Nil, nil, false
	}

	pathID := uuid.Nil
	if raw := ctx.Param("payment_id"); raw != "" {
		if pathID, err = uuid.Parse(raw); err != nil {
			ctx.String(http.StatusBadRequest, "invalid payment id")
			return "", uuid.Nil, nil, false
		}
	}

	var body []byte
	if ctx.Request.Body != nil && ctx.Request.Method == http.MethodPost {
		if body, err = io.ReadAll(io.LimitReader(ctx.Request.Body, maxCallbackBody)); err != nil {
			ctx.String(http.StatusBadRequest, "unreadable body")
			return "", uuid.Nil, nil, false
		}
	}
	return provider, pathID, body, true
}
