package routes_test

import (
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/ossobv/osso-djuty-sub000/controllers"
	"github.com/ossobv/osso-djuty-sub000/providers"
	"github.com/ossobv/osso-djuty-sub000/routes"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestRoutesRegistered(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	logger := zap.NewNop()

	routes.RegisterPaymentRoutes(r,
		controllers.NewPaymentController(nil, nil),
		controllers.NewProviderController(providers.NewRegistry()),
	)
	routes.RegisterCallbackRoutes(r, controllers.NewCallbackController(nil, logger), nil)

	got := map[string]bool{}
	for _, route := range r.Routes() {
		got[route.Method+" "+route.Path] = true
	}
	for _, want := range []string{
		"POST /payments",
		"GET /payments/:id",
		"POST /payments/:id/start",
		"POST /payments/:id/poll",
		"GET /providers/:provider/banks",
		"GET /callbacks/:provider/return/:payment_id",
		"GET /callbacks/:provider/abort/:payment_id",
		"POST /callbacks/:provider/report",
		"GET /callbacks/:provider/report/:payment_id",
	} {
		assert.True(t, got[want], want)
	}
}
