package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kibshh/iot-anchor-node/internal/hashutil"
)

type crossChainAnchorRequest struct {
	BatchID int64    `json:"batch_id" binding:"required"`
	Chains  []string `json:"chains" binding:"required"`
}

// AnchorExplicit handles POST /cross-chain/anchor, per §4.7/§6: dispatch
// an already-assembled batch to an explicit chain set, independent of the
// on-demand/trigger-policy path that creates the batch in the first place.
func (h *Handler) AnchorExplicit(c *gin.Context) {
	var req crossChainAnchorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	batch, err := h.pipeline.GetBatch(c.Request.Context(), req.BatchID)
	if err != nil {
		fail(c, h, err)
		return
	}

	outcomes := h.dispatcher.Dispatch(c.Request.Context(), batch, req.Chains)
	dispatched := make([]dispatchedEntry, len(outcomes))
	for i, o := range outcomes {
		dispatched[i] = dispatchedEntry{Chain: o.Chain, TxHash: o.TxHash, Status: o.Status, Error: o.Error}
	}
	c.JSON(http.StatusOK, gin.H{"batch_id": batch.BatchID, "dispatched": dispatched})
}

type chainStatusEntry struct {
	Chain       string `json:"chain"`
	TxHash      string `json:"tx_hash,omitempty"`
	Status      string `json:"status"`
	BlockNumber int64  `json:"block_number,omitempty"`
	GasUsed     int64  `json:"gas_used,omitempty"`
	Error       string `json:"error,omitempty"`
}

// CrossChainStatus handles GET /cross-chain/status/{root}, per §4.7/§6:
// "at least one confirmed anchor" defines batch availability.
func (h *Handler) CrossChainStatus(c *gin.Context) {
	root, err := decodeHex32(c.Param("root"))
	if err != nil {
		fail(c, h, err)
		return
	}

	batchID, statuses, available, err := h.dispatcher.StatusByRoot(c.Request.Context(), hashutil.Digest(root))
	if err != nil {
		fail(c, h, err)
		return
	}

	chains := make([]chainStatusEntry, len(statuses))
	for i, s := range statuses {
		chains[i] = chainStatusEntry{Chain: s.Chain, TxHash: s.TxHash, Status: s.Status, BlockNumber: s.BlockNumber, GasUsed: s.GasUsed, Error: s.Error}
	}
	c.JSON(http.StatusOK, gin.H{"batch_id": batchID, "chains": chains, "available": available})
}

// RetryChain handles the explicit operator retry action §4.7 requires for
// a chain left in "failed" state — no route is named for this in the
// distillation's §6 table, so this is exposed as a supplemental endpoint
// on the same resource.
func (h *Handler) RetryChain(c *gin.Context) {
	var req struct {
		BatchID int64  `json:"batch_id" binding:"required"`
		Chain   string `json:"chain" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	batch, err := h.pipeline.GetBatch(c.Request.Context(), req.BatchID)
	if err != nil {
		fail(c, h, err)
		return
	}
	outcome := h.dispatcher.Retry(c.Request.Context(), batch, req.Chain)
	c.JSON(http.StatusOK, gin.H{"chain": outcome.Chain, "tx_hash": outcome.TxHash, "status": outcome.Status, "error": outcome.Error})
}
