package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/kibshh/iot-anchor-node/internal/hashutil"
	"github.com/kibshh/iot-anchor-node/internal/merkle"
)

type anchorRequest struct {
	Chains   []string `json:"chains"`
	Metadata string   `json:"metadata"`
}

type dispatchedEntry struct {
	Chain  string `json:"chain"`
	TxHash string `json:"tx_hash,omitempty"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// AnchorBatch handles POST /merkle/anchor, per §4.6/§6. With no explicit
// chain set it builds and persists the batch with no dispatch target; the
// background trigger-policy loop, by contrast, dispatches to every
// registered network.
func (h *Handler) AnchorBatch(c *gin.Context) {
	var req anchorRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		badRequest(c, err.Error())
		return
	}

	result, err := h.pipeline.Anchor(c.Request.Context(), req.Chains, req.Metadata, nowUnix())
	if err != nil {
		fail(c, h, err)
		return
	}

	dispatched := make([]dispatchedEntry, len(result.Dispatched))
	for i, d := range result.Dispatched {
		dispatched[i] = dispatchedEntry{Chain: d.Chain, TxHash: d.TxHash, Status: d.Status, Error: d.Error}
	}
	c.JSON(http.StatusOK, gin.H{
		"batch_id":   result.BatchID,
		"leaf_count": result.LeafCount,
		"root":       result.Root.Hex(),
		"dispatched": dispatched,
	})
}

type proofStepWire struct {
	Sibling string `json:"sibling"`
	Side    string `json:"side"`
}

type verifyRequest struct {
	BatchID  int64           `json:"batch_id" binding:"required"`
	LeafHash string          `json:"leaf_hash" binding:"required"`
	Proof    []proofStepWire `json:"proof"`
}

// VerifyInclusion handles POST /merkle/verify, per §4.3/§4.6/§6.
func (h *Handler) VerifyInclusion(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	leafHash, err := decodeHex32(req.LeafHash)
	if err != nil {
		fail(c, h, err)
		return
	}

	steps := make([]merkle.ProofStep, len(req.Proof))
	for i, s := range req.Proof {
		sibling, err := decodeHex32(s.Sibling)
		if err != nil {
			fail(c, h, err)
			return
		}
		side := merkle.SideRight
		if s.Side == "LEFT" {
			side = merkle.SideLeft
		}
		steps[i] = merkle.ProofStep{Sibling: hashutil.Digest(sibling), Side: side}
	}

	valid, err := h.pipeline.VerifyInclusion(c.Request.Context(), req.BatchID, hashutil.Digest(leafHash), steps)
	if err != nil {
		fail(c, h, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": valid})
}

// ListBatches handles GET /merkle/batches.
func (h *Handler) ListBatches(c *gin.Context) {
	batches, err := h.pipeline.ListBatches(c.Request.Context())
	if err != nil {
		fail(c, h, err)
		return
	}
	c.JSON(http.StatusOK, batches)
}

// GetBatch handles GET /merkle/batches/{id}, including per-chain anchors.
func (h *Handler) GetBatch(c *gin.Context) {
	batchID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		badRequest(c, "invalid batch id")
		return
	}
	batch, err := h.pipeline.GetBatch(c.Request.Context(), batchID)
	if err != nil {
		fail(c, h, err)
		return
	}
	anchors, err := h.store.ListAnchors(c.Request.Context(), batchID)
	if err != nil {
		fail(c, h, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"batch": batch, "anchors": anchors})
}

// InclusionProof handles GET /merkle/batches/{id}/proof?leaf_hash=0x...,
// a supplement from original_source/backend/merkle_tree.py's get_proof:
// §4.6 names the (batch_id, leaf_hash) -> proof operation but the
// distillation's §6 table never gives it a route of its own.
func (h *Handler) InclusionProof(c *gin.Context) {
	batchID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		badRequest(c, "invalid batch id")
		return
	}
	leafHash, err := decodeHex32(c.Query("leaf_hash"))
	if err != nil {
		fail(c, h, err)
		return
	}

	steps, err := h.pipeline.Proof(c.Request.Context(), batchID, hashutil.Digest(leafHash))
	if err != nil {
		fail(c, h, err)
		return
	}

	wire := make([]proofStepWire, len(steps))
	for i, s := range steps {
		side := "RIGHT"
		if s.Side == merkle.SideLeft {
			side = "LEFT"
		}
		wire[i] = proofStepWire{Sibling: s.Sibling.Hex(), Side: side}
	}
	c.JSON(http.StatusOK, gin.H{"batch_id": batchID, "leaf_hash": hashutil.Digest(leafHash).Hex(), "proof": wire})
}
