package webhook

import (
	"creatorhub-settlement/pkg/config"
	"creatorhub-settlement/services/settlement"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
)

var Module = fx.Module("webhook.service",
	fx.Provide(
		provideVerifier,
		provideHandler,
	),
	fx.Invoke(registerRoutes),
)

func provideVerifier(cfg *config.Config) *Verifier {
	return NewVerifier(cfg.Webhook.SigningSecret, cfg.Webhook.Tolerance)
}

func provideHandler(verifier *Verifier, svc *settlement.Service) *Handler {
	return NewHandler(verifier, svc)
}

func registerRoutes(r *gin.Engine, h *Handler) {
	r.POST("/webhook", h.HandleWebhook)
}
