package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

// Heartbeat handles POST /realtime/device/{id}/heartbeat, per §4.9/§6.
func (h *Handler) Heartbeat(c *gin.Context) {
	deviceID := c.Param("id")
	if _, err := h.store.GetDevice(c.Request.Context(), deviceID); err != nil {
		fail(c, h, err)
		return
	}
	if err := h.presence.Heartbeat(c.Request.Context(), deviceID, nowUnix()); err != nil {
		fail(c, h, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListPresence handles GET /realtime/devices/status, per §4.9/§6.
func (h *Handler) ListPresence(c *gin.Context) {
	statuses, err := h.presence.ListStatuses(c.Request.Context(), nowUnix())
	if err != nil {
		fail(c, h, err)
		return
	}
	c.JSON(http.StatusOK, statuses)
}

// RecentEvents handles GET /realtime/events?limit=N, per §4.10/§6.
func (h *Handler) RecentEvents(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	if hot := h.bus.RecentEvents(limit); len(hot) > 0 {
		c.JSON(http.StatusOK, hot)
		return
	}
	// Bus has no hot-path history (e.g. right after a restart) — fall back
	// to the durable record kept by store.AppendEvent.
	events, err := h.store.RecentEvents(c.Request.Context(), limit)
	if err != nil {
		fail(c, h, err)
		return
	}
	c.JSON(http.StatusOK, events)
}

type putPushSubscriptionRequest struct {
	Endpoint string   `json:"endpoint" binding:"required"`
	P256DH   string   `json:"p256dh" binding:"required"`
	Auth     string   `json:"auth" binding:"required"`
	Topics   []string `json:"topics"`
}

// PutPushSubscription handles an operator dashboard registering for push
// notifications on the event bus's topics, adapted from the teacher's
// PutSubscription (subscribed machines -> subscribed topics).
func (h *Handler) PutPushSubscription(c *gin.Context) {
	var req putPushSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := h.store.PutPushSubscription(c.Request.Context(), req.Endpoint, req.P256DH, req.Auth, strings.Join(req.Topics, ",")); err != nil {
		fail(c, h, err)
		return
	}
	c.Status(http.StatusCreated)
}

// DeletePushSubscription handles removing a push subscription by endpoint.
func (h *Handler) DeletePushSubscription(c *gin.Context) {
	var req struct {
		Endpoint string `json:"endpoint" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := h.store.DeletePushSubscription(c.Request.Context(), req.Endpoint); err != nil {
		fail(c, h, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GetVAPIDPublicKey returns the VAPID public key operator dashboards need
// to create a push subscription, unchanged from the teacher's handler.
func (h *Handler) GetVAPIDPublicKey(c *gin.Context) {
	if h.webpush == nil || h.webpush.VAPIDPublicKey == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "vapid keys are not configured"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"public_key": h.webpush.VAPIDPublicKey})
}
