package handler

import (
	"log/slog"

	"coinledger/internal/config"
	"coinledger/internal/service"

	"github.com/gin-gonic/gin"
)

// SetupRouter 配置路由
func SetupRouter(svc *service.Services, cfg *config.Config, log *slog.Logger) *gin.Engine {
	gin.SetMode(cfg.Server.Mode)

	r := gin.New()

	r.Use(RecoveryMiddleware(log))
	r.Use(LoggerMiddleware(log.With("component", "http")))
	r.Use(CORSMiddleware())

	h := NewHandler(svc, log.With("component", "handler"))
	registerRoutes(r, h)

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	return r
}

func registerRoutes(r *gin.Engine, h *Handler) {
	api := r.Group("/api/v1")
	{
		account := api.Group("/account")
		{
			account.GET("/balance", h.GetBalance)
			account.POST("/create", h.CreateAccount)
			account.POST("/grant", h.Grant)
			account.POST("/recharge", h.Recharge)
			account.POST("/vip", h.SetVIP)
		}

		transfer := api.Group("/transfer")
		{
			transfer.POST("/execute", h.ExecuteTransfer)
			transfer.GET("/detail", h.GetTransfer)
		}

		message := api.Group("/message")
		{
			message.GET("/policy", h.GetMessagePolicy)
			message.PUT("/policy", h.SetMessagePolicy)
			message.GET("/quote", h.QuoteMessage)
			message.POST("/charge", h.ChargeMessage)
		}

		offering := api.Group("/offering")
		{
			offering.POST("/create", h.CreateOffering)
			offering.GET("/detail", h.GetOffering)
			offering.POST("/close", h.CloseOffering)
		}

		membership := api.Group("/membership")
		{
			membership.POST("/join", h.JoinOffering)
			membership.POST("/withdraw", h.WithdrawOffering)
			membership.POST("/eliminate", h.EliminateMember)
			membership.GET("/list", h.ListMembers)
		}

		payout := api.Group("/payout")
		{
			payout.POST("/goal", h.CreatePayoutGoal)
			payout.GET("/goal", h.GetPayoutGoal)
			payout.PUT("/goal", h.UpdatePayoutGoal)
			payout.DELETE("/goal", h.DeletePayoutGoal)
			payout.POST("/run", h.RunPayouts)
			payout.GET("/records", h.ListPayoutRecords)
		}

		audit := api.Group("/audit")
		{
			audit.GET("/transactions", h.ListTransactions)
			audit.GET("/reconcile", h.Reconcile)
		}
	}
}
