package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/lacrypta/checkout/internal/invoice"
	"github.com/lacrypta/checkout/internal/logging"
	"github.com/lacrypta/checkout/internal/order"
	"github.com/lacrypta/checkout/internal/relay"
	"github.com/lacrypta/checkout/internal/session"
	"github.com/lacrypta/checkout/internal/traces"
)

type createOrderRequest struct {
	Items      []order.Item    `json:"items,omitempty"`
	Memo       json.RawMessage `json:"memo,omitempty"`
	Amount     int64           `json:"amount,omitempty"`
	FiatAmount int64           `json:"fiatAmount,omitempty"`
}

type invoiceRequest struct {
	AmountMsat int64 `json:"amountMsat,omitempty"`
}

// createOrder builds an order from the request body, publishes it as a
// signed event and starts listening for payment receipts.
func (s *Server) createOrder(c *gin.Context) {
	ctx, span := traces.StartSpan(c.Request.Context(), "server.createOrder")
	defer span.End()

	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	sess := s.sessions.NewDraft()

	switch {
	case len(req.Items) > 0:
		// The item total is authoritative; fiatAmount and amount in the
		// same request are ignored rather than overwriting it.
		sess.SetItems(req.Items)
	default:
		if req.Memo != nil {
			sess.SetMemo(req.Memo)
		}
		if req.FiatAmount > 0 {
			sess.SetFiatAmount(req.FiatAmount)
		}
		if req.Amount > 0 {
			sess.SetAmount(req.Amount)
		}
	}

	orderID, err := sess.Checkout(ctx)
	if err != nil {
		if errors.Is(err, session.ErrEmptyOrder) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "empty_order",
				"message": "Order must carry items, a fiat amount or an explicit amount",
			})
			return
		}
		logging.L(ctx).Error("checkout failed", "error", err)
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "publish_failed",
			"message": "Could not publish the order",
		})
		return
	}
	span.SetAttributes(traces.OrderID(orderID), traces.AmountSats(sess.Amount()))
	ctx = logging.WithOrderID(ctx, orderID)

	sess = s.sessions.Register(orderID, sess)

	// First invoice for the full pending amount. Issuer trouble is not
	// fatal here, the caller can retry via the invoice endpoint.
	bolt11, err := sess.RequestInvoice(ctx, 0)
	if err != nil && !errors.Is(err, session.ErrOrderSettled) {
		logging.L(ctx).Warn("initial invoice failed", "error", err)
	}

	c.JSON(http.StatusCreated, gin.H{
		"order":   sess.Status(),
		"invoice": bolt11,
	})
}

// getOrder returns the reconciliation status for an order, attaching to
// it first if this is the first time the process sees it.
func (s *Server) getOrder(c *gin.Context) {
	ctx, span := traces.StartSpan(c.Request.Context(), "server.getOrder")
	defer span.End()

	sess, err := s.sessions.Attach(ctx, c.Param("id"))
	if err != nil {
		s.renderAttachError(c, err)
		return
	}
	span.SetAttributes(traces.OrderID(sess.OrderID()))

	c.JSON(http.StatusOK, sess.Status())
}

// releaseOrder stops tracking an order and drops its relay subscription.
func (s *Server) releaseOrder(c *gin.Context) {
	s.sessions.Release(c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"released": true})
}

// requestInvoice issues a payment request against an order, for the
// remaining pending amount unless the body names a partial amount.
func (s *Server) requestInvoice(c *gin.Context) {
	ctx, span := traces.StartSpan(c.Request.Context(), "server.requestInvoice")
	defer span.End()

	var req invoiceRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": err.Error(),
			})
			return
		}
	}
	if req.AmountMsat < 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "amountMsat must not be negative",
		})
		return
	}

	sess, err := s.sessions.Attach(ctx, c.Param("id"))
	if err != nil {
		s.renderAttachError(c, err)
		return
	}
	span.SetAttributes(traces.OrderID(sess.OrderID()), traces.AmountMsat(req.AmountMsat))
	ctx = logging.WithOrderID(ctx, sess.OrderID())

	bolt11, err := sess.RequestInvoice(ctx, req.AmountMsat)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrOrderSettled):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "order_settled",
				"message": "Order is fully paid, nothing left to invoice",
			})
		case errors.Is(err, invoice.ErrServiceUnavailable):
			c.JSON(http.StatusBadGateway, gin.H{
				"error":   "issuer_unavailable",
				"message": "Invoice service did not answer",
			})
		default:
			logging.L(ctx).Error("invoice request failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "invoice_failed",
				"message": "Could not issue an invoice",
			})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"invoice":       bolt11,
		"pendingAmount": sess.PendingAmount(),
	})
}

// listReceipts returns every receipt applied to an order so far.
func (s *Server) listReceipts(c *gin.Context) {
	sess, err := s.sessions.Attach(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.renderAttachError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"orderId":  sess.OrderID(),
		"receipts": sess.AcceptedReceipts(),
	})
}

func (s *Server) renderAttachError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, session.ErrOrderNotFound), errors.Is(err, relay.ErrEventNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No such order",
		})
	case errors.Is(err, order.ErrMalformedOrder):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "malformed_order",
			"message": "Event exists but does not describe a valid order",
		})
	default:
		logging.L(c.Request.Context()).Error("attach failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Could not load the order",
		})
	}
}
