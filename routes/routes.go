package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/ossobv/osso-djuty-sub000/controllers"
)

// RegisterPaymentRoutes sets up the payment API.
func RegisterPaymentRoutes(r *gin.Engine, pc *controllers.PaymentController, prc *controllers.ProviderController) {
	payments := r.Group("/payments")
	payments.POST("", pc.CreatePayment)
	payments.GET("/:id", pc.GetPayment)
	payments.POST("/:id/start", pc.StartPayment)
	payments.POST("/:id/poll", pc.PollPayment)

	r.GET("/providers", prc.ListProviders)
	r.GET("/providers/:provider/banks", prc.ListBanks)
}

// RegisterCallbackRoutes sets up the URLs handed to gateways. They are
// public, so limiter guards them.
func RegisterCallbackRoutes(r *gin.Engine, cc *controllers.CallbackController, limiter gin.HandlerFunc) {
	callbacks := r.Group("/callbacks/:provider")
	if limiter != nil {
		callbacks.Use(limiter)
	}

	callbacks.GET("/return/:payment_id", cc.Return)
	callbacks.POST("/return/:payment_id", cc.Return)
	callbacks.GET("/abort/:payment_id", cc.Abort)

	// some gateways post one webhook URL for every payment
	callbacks.GET("/report", cc.Report)
	callbacks.POST("/report", cc.Report)
	callbacks.GET("/report/:payment_id", cc.Report)
	callbacks.POST("/report/:payment_id", cc.Report)
}
