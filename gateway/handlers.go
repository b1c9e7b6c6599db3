package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/example/storefront/pkg/cart"
	"github.com/example/storefront/pkg/models"
	"github.com/example/storefront/pkg/order"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type addItemRequest struct {
	ProductID uint `json:"product_id" binding:"required"`
	Quantity  *int `json:"quantity"`
}

type updateItemRequest struct {
	Quantity *int `json:"quantity" binding:"required"`
}

type placeOrderRequest struct {
	FullName string `json:"full_name"`
	Phone    string `json:"phone"`
	Address  string `json:"address"`
}

type updateStatusRequest struct {
	Status models.OrderStatus `json:"status" binding:"required"`
}

func (g *Gateway) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := g.deps.Health.Ping(ctx); err != nil {
		g.logger.Warn("Health check failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (g *Gateway) getProduct(c *gin.Context) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		badRequest(c, err)
		return
	}
	product, err := g.deps.Products.GetProduct(c.Request.Context(), id)
	if err != nil {
		g.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, product)
}

func (g *Gateway) getCart(c *gin.Context) {
	view, err := g.deps.Carts.View(c.Request.Context(), g.identity(c))
	g.respondCart(c, view, err)
}

func (g *Gateway) addCartItem(c *gin.Context) {
	var req addItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	quantity := 1
	if req.Quantity != nil {
		quantity = *req.Quantity
	}

	view, err := g.deps.Carts.AddItem(c.Request.Context(), g.identity(c), req.ProductID, quantity)
	g.respondCart(c, view, err)
}

func (g *Gateway) updateCartItem(c *gin.Context) {
	itemID, err := parseID(c.Param("id"))
	if err != nil {
		badRequest(c, err)
		return
	}
	var req updateItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	view, err := g.deps.Carts.UpdateItem(c.Request.Context(), g.identity(c), itemID, *req.Quantity)
	g.respondCart(c, view, err)
}

func (g *Gateway) removeCartItem(c *gin.Context) {
	itemID, err := parseID(c.Param("id"))
	if err != nil {
		badRequest(c, err)
		return
	}

	view, err := g.deps.Carts.RemoveItem(c.Request.Context(), g.identity(c), itemID)
	g.respondCart(c, view, err)
}

func (g *Gateway) clearCart(c *gin.Context) {
	view, err := g.deps.Carts.Clear(c.Request.Context(), g.identity(c))
	g.respondCart(c, view, err)
}

func (g *Gateway) respondCart(c *gin.Context, view *cart.View, err error) {
	if err != nil {
		g.renderError(c, err)
		return
	}
	if err := g.sessions.Save(c.Writer, c.Request, view.SessionToken); err != nil {
		g.logger.Warn("Failed to save session", zap.Error(err))
	}
	c.JSON(http.StatusOK, view)
}

func (g *Gateway) placeOrder(c *gin.Context) {
	var req placeOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	placed, err := g.deps.Orders.PlaceOrder(c.Request.Context(), order.PlaceOrderRequest{
		Identity: g.identity(c),
		Shipping: order.Shipping{
			FullName: req.FullName,
			Phone:    req.Phone,
			Address:  req.Address,
		},
	})
	if err != nil {
		g.renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, placed)
}

func (g *Gateway) listOrders(c *gin.Context) {
	orders, err := g.deps.Orders.ListOrders(c.Request.Context(), c.GetHeader(HeaderUserID))
	if err != nil {
		g.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"orders": orders,
		"total":  len(orders),
	})
}

func (g *Gateway) getOrder(c *gin.Context) {
	found, err := g.deps.Orders.GetOrder(c.Request.Context(), c.GetHeader(HeaderUserID), c.Param("number"))
	if err != nil {
		g.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, found)
}

func (g *Gateway) updateOrderStatus(c *gin.Context) {
	var req updateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	updated, err := g.deps.Orders.UpdateStatus(c.Request.Context(), c.Param("number"), req.Status)
	if err != nil {
		g.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (g *Gateway) orderAudit(c *gin.Context) {
	if g.deps.Audit == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable", "message": "audit log is not configured"})
		return
	}

	limit := int64(50)
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 {
			badRequest(c, fmt.Errorf("invalid limit %q", raw))
			return
		}
		limit = n
	}

	logs, err := g.deps.Audit.GetAuditLogs(c.Request.Context(), "order:"+c.Param("number"), limit)
	if err != nil {
		g.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": logs})
}

func parseID(raw string) (uint, error) {
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return uint(id), nil
}
