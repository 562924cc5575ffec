package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/kibshh/iot-anchor-node/internal/mw"
)

// NewRouter builds the §6 HTTP surface over an already-constructed
// Handler, mirroring the teacher's NewRouter(s store.Store, ...): route
// groups plus attached middleware, no business logic of its own.
func NewRouter(h *Handler, rateLimitPerSec float64, rateBurst int, cacheTTL time.Duration) *gin.Engine {
	r := gin.Default()

	rateLimiter := mw.RateLimiter(rate.Limit(rateLimitPerSec), rateBurst)

	cacheStore := cache.New(cacheTTL, cacheTTL*2)
	caching := mw.Cache(cacheStore, cacheTTL)

	api := r.Group("/api")
	api.Use(rateLimiter)
	{
		devices := api.Group("/devices")
		devices.POST("/register", h.RegisterDevice)
		devices.POST("/authenticate", h.Authenticate)
		devices.POST("/data", h.SubmitData)
		devices.GET("", caching, h.ListDevices)
		devices.GET("/:id", caching, h.GetDevice)

		merkleGroup := api.Group("/merkle")
		merkleGroup.POST("/anchor", h.AnchorBatch)
		merkleGroup.POST("/verify", h.VerifyInclusion)
		merkleGroup.GET("/batches", caching, h.ListBatches)
		merkleGroup.GET("/batches/:id", caching, h.GetBatch)
		merkleGroup.GET("/batches/:id/proof", h.InclusionProof)

		crossChain := api.Group("/cross-chain")
		crossChain.POST("/anchor", h.AnchorExplicit)
		crossChain.POST("/retry", h.RetryChain)
		crossChain.GET("/status/:root", h.CrossChainStatus)

		realtime := api.Group("/realtime")
		realtime.POST("/device/:id/heartbeat", h.Heartbeat)
		realtime.GET("/devices/status", h.ListPresence)
		realtime.GET("/events", h.RecentEvents)
		realtime.PUT("/subscriptions", h.PutPushSubscription)
		realtime.DELETE("/subscriptions", h.DeletePushSubscription)
		realtime.GET("/vapid_public_key", h.GetVAPIDPublicKey)

		multisigGroup := api.Group("/multisig")
		multisigGroup.POST("/propose", h.Propose)
		multisigGroup.POST("/approve/:id", h.Approve)
		multisigGroup.POST("/reject/:id", h.Reject)
		multisigGroup.POST("/execute/:id", h.Execute)
		multisigGroup.GET("/proposals", h.ListProposals)
		multisigGroup.POST("/signers", h.AddSigner)
		multisigGroup.GET("/signers", h.ListSigners)
	}

	return r
}
