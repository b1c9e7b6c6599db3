package gateway

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/example/storefront/pkg/apperr"
	"github.com/example/storefront/pkg/cart"
	"github.com/example/storefront/pkg/config"
	"github.com/example/storefront/pkg/models"
	"github.com/example/storefront/pkg/order"
	"github.com/example/storefront/pkg/repository"
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"
)

const (
	HeaderUserID    = "X-User-ID"
	HeaderUserEmail = "X-User-Email"
)

type ProductLookup interface {
	GetProduct(ctx context.Context, id uint) (*models.Product, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type AuditReader interface {
	GetAuditLogs(ctx context.Context, entityID string, limit int64) ([]*repository.AuditLog, error)
}

// Deps are the services the gateway routes to. Audit may be nil.
type Deps struct {
	Products ProductLookup
	Carts    *cart.Service
	Orders   *order.Service
	Health   Pinger
	Audit    AuditReader
}

type Gateway struct {
	config   *config.Config
	logger   *zap.Logger
	router   *gin.Engine
	server   *http.Server
	sessions *SessionCarrier
	deps     Deps
}

func NewGateway(cfg *config.Config, logger *zap.Logger, deps Deps) (*Gateway, error) {
	carrier, err := NewSessionCarrier(cfg.Session)
	if err != nil {
		return nil, err
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(loggerMiddleware(logger))

	g := &Gateway{
		config:   cfg,
		logger:   logger,
		router:   router,
		sessions: carrier,
		deps:     deps,
		server: &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
	g.SetupRoutes()
	return g, nil
}

func (g *Gateway) SetupRoutes() {
	g.router.GET("/health", g.health)

	v1 := g.router.Group("/api/v1")
	{
		v1.GET("/products/:id", g.getProduct)

		carts := v1.Group("/cart")
		{
			carts.GET("", g.getCart)
			carts.DELETE("", g.clearCart)
			carts.POST("/items", g.addCartItem)
			carts.PUT("/items/:id", g.updateCartItem)
			carts.DELETE("/items/:id", g.removeCartItem)
		}

		orders := v1.Group("/orders")
		{
			orders.POST("", g.placeOrder)
			orders.GET("", g.listOrders)
			orders.GET("/:number", g.getOrder)
			orders.PUT("/:number/status", adminAuth(g.config.Admin.Token), g.updateOrderStatus)
		}

		admin := v1.Group("/admin", adminAuth(g.config.Admin.Token))
		{
			admin.GET("/orders/:number/audit", g.orderAudit)
		}
	}

	g.router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
}

func (g *Gateway) Handler() http.Handler {
	return g.router
}

func (g *Gateway) Start() error {
	g.logger.Info("Gateway starting", zap.String("address", g.server.Addr))
	if err := g.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (g *Gateway) Shutdown(ctx context.Context) error {
	return g.server.Shutdown(ctx)
}

func (g *Gateway) identity(c *gin.Context) cart.Identity {
	return cart.Identity{
		SessionToken: g.sessions.Token(c.Request),
		UserID:       c.GetHeader(HeaderUserID),
		UserEmail:    c.GetHeader(HeaderUserEmail),
	}.Normalize()
}

// renderError writes typed failures with their status and context. Anything
// else is logged and reported as a bare 500.
func (g *Gateway) renderError(c *gin.Context, err error) {
	var appErr *apperr.Error
	if errors.As(err, &appErr) && appErr.Kind != apperr.KindInternal {
		body := gin.H{"error": appErr.Kind.String(), "message": appErr.Message}
		if appErr.Field != "" {
			body["field"] = appErr.Field
		}
		if appErr.ProductID != 0 {
			body["product_id"] = appErr.ProductID
		}
		c.JSON(appErr.HTTPStatus(), body)
		return
	}

	g.logger.Error("Request failed",
		zap.String("method", c.Request.Method),
		zap.String("path", c.FullPath()),
		zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": apperr.KindInternal.String(), "message": "internal server error"})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": apperr.KindInvalid.String(), "message": err.Error()})
}

func adminAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if token == "" || !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   apperr.KindUnauthorized.String(),
				"message": "admin token required",
			})
			return
		}
		c.Next()
	}
}

func loggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}
