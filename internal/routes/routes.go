package routes

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"

	"github.com/vpapay/vpa_pay/internal/clearing"
	"github.com/vpapay/vpa_pay/internal/config"
	"github.com/vpapay/vpa_pay/internal/identity"
	"github.com/vpapay/vpa_pay/internal/ledger"
	"github.com/vpapay/vpa_pay/internal/metrics"
	"github.com/vpapay/vpa_pay/internal/middleware"
	"github.com/vpapay/vpa_pay/internal/notification"
	"github.com/vpapay/vpa_pay/internal/payments"
	"github.com/vpapay/vpa_pay/internal/wallet"
)

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
	Cfg     config.Config
	Store   ledger.Store
	Cache   *redis.Client
	Metrics *metrics.Metrics
	// Notifier defaults to a LoggerNotifier.
	Notifier notification.Notifier
	// Dispatcher is optional. When set it is started with the payment engine
	// as its settler; the caller owns Close.
	Dispatcher *clearing.Dispatcher
	Logger     *slog.Logger
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps) error {
	if d.Store == nil {
		return errors.New("ledger store is required")
	}
	if !d.Cfg.IsDevelopment() && d.Cache == nil {
		return fmt.Errorf("redis is required when APP_ENV=%s", d.Cfg.AppEnv)
	}
	if d.Metrics == nil {
		d.Metrics = metrics.New()
	}
	if d.Notifier == nil {
		d.Notifier = notification.NewLoggerNotifier(d.Logger)
	}

	app.Use(recover.New())
	app.Use(middleware.RequestID())
	if d.Cfg.LogFormat == "text" {
		app.Use(logger.New(logger.Config{
			Format:     "[${time}] ${status} -  ${latency} ${method} ${path}\n",
			TimeFormat: "15:04:05",
			TimeZone:   "Local",
		}))
	} else {
		app.Use(middleware.Audit(d.Logger))
	}
	app.Use(d.Metrics.Middleware())
	app.Use(middleware.Idempotency(middleware.IdempotencyConfig{
		Cache:  d.Cache,
		TTL:    d.Cfg.IdempotencyTTL,
		Logger: d.Logger,
	}))

	RegisterHealthRoutes(app, d)
	app.Get("/metrics", d.Metrics.Handler())

	walletSvc := wallet.NewService(d.Store, d.Logger, d.Cfg.Currency)
	identitySvc := identity.NewService(d.Store, walletSvc, d.Cfg.OpeningBalance, d.Logger)

	var dispatcher payments.Dispatcher
	if d.Dispatcher != nil {
		dispatcher = d.Dispatcher
	}
	paymentSvc := payments.NewService(d.Store, walletSvc, dispatcher, d.Notifier, d.Metrics, d.Logger)
	if d.Dispatcher != nil {
		d.Dispatcher.Start(paymentSvc)
	}

	api := app.Group("/api/v1")
	api.Get("/ping", func(c *fiber.Ctx) error {
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": middleware.RequestIDFrom(c),
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	RegisterIdentityRoutes(api, identity.NewHandler(identitySvc))
	RegisterWalletRoutes(api, wallet.NewHandler(walletSvc))
	RegisterPaymentRoutes(api, payments.NewHandler(paymentSvc),
		clearing.NewCallbackHandler(paymentSvc, d.Store, d.Cfg.CallbackToken, d.Logger),
		middleware.PayerRateLimit(d.Cache, d.Cfg.RateLimitPerMinute, d.Logger))
	RegisterOpsRoutes(api, d.Store, d.Cfg.CallbackToken)

	return nil
}

// ErrorHandler renders handler errors as a JSON body with the fiber status.
func ErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}
