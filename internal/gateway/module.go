package gateway

import (
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/craftline/ordercore/internal/config"
)

// Module provides the configured gateway client to Fx.
var Module = fx.Provide(NewClient)

// NewClient selects the gateway driver from configuration. A razorpay driver
// without credentials degrades to the stub so local environments keep
// working, with a warning so the degradation is visible.
func NewClient(cfg config.Config, logger *zap.Logger) Client {
	payment := cfg.Payment
	switch payment.Driver {
	case "razorpay":
		if payment.KeyID == "" || payment.KeySecret == "" {
			if logger != nil {
				logger.Warn("razorpay credentials missing; falling back to stub gateway")
			}
			return NewStubClient(payment.WebhookSecret)
		}
		return NewRazorpayClient(
			payment.KeyID,
			payment.KeySecret,
			payment.WebhookSecret,
			payment.BaseURL,
			payment.CallTimeout,
			logger,
		)
	default:
		if logger != nil {
			logger.Info("payment gateway running in stub mode")
		}
		return NewStubClient(payment.WebhookSecret)
	}
}
