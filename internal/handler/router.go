package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tarikibrahimovic/NLB-Payments/internal/config"
)

// SetupRouter wires routes and middleware. The gin mode is left to the
// caller.
func SetupRouter(h *Handler, cfg *config.AuthConfig) *gin.Engine {
	r := gin.New()

	r.Use(RecoveryMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api/v1")
	api.Use(AuthMiddleware([]byte(cfg.JWTSecret), cfg.Issuer))
	{
		transfers := api.Group("/transfers")
		{
			transfers.POST("/batch", h.BatchTransfer)
		}

		orders := api.Group("/orders")
		{
			orders.GET("", h.ListOrders)
			orders.GET("/:id", h.GetOrder)
		}

		accounts := api.Group("/accounts")
		{
			accounts.GET("", h.ListAccounts)
			accounts.POST("", h.CreateAccount)
			accounts.POST("/:id/deposit", h.Deposit)
			accounts.POST("/:id/withdraw", h.Withdraw)
			accounts.POST("/:id/deactivate", h.Deactivate)
			accounts.GET("/:id/transactions", h.AccountTransactions)
		}

		admin := api.Group("/admin", RequireRole(RoleAdmin))
		{
			admin.GET("/failures", h.ListFailures)
		}
	}

	return r
}
