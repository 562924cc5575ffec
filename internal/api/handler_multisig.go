package api

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
)

type proposeRequest struct {
	Kind              string          `json:"kind" binding:"required"`
	Payload           json.RawMessage `json:"payload" binding:"required"`
	RequiredApprovals int             `json:"required_approvals" binding:"required"`
	Proposer          string          `json:"proposer"`
}

// Propose handles POST /multisig/propose, per §4.8/§6.
func (h *Handler) Propose(c *gin.Context) {
	var req proposeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	p, err := h.fsm.Propose(c.Request.Context(), req.Kind, string(req.Payload), req.RequiredApprovals, req.Proposer, nowUnix())
	if err != nil {
		fail(c, h, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"proposal_id": p.ProposalID, "expires_at": p.ExpiresAt})
}

type signerActionRequest struct {
	SignerID  string `json:"signer_id" binding:"required"`
	Signature string `json:"signature" binding:"required"`
}

// Approve handles POST /multisig/approve, per §4.8/§6.
func (h *Handler) Approve(c *gin.Context) {
	var req signerActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	state, err := h.fsm.Approve(c.Request.Context(), c.Param("id"), req.SignerID, req.Signature, nowUnix())
	if err != nil {
		fail(c, h, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": state})
}

// Reject handles POST /multisig/reject, per §4.8/§6.
func (h *Handler) Reject(c *gin.Context) {
	var req signerActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	state, err := h.fsm.Reject(c.Request.Context(), c.Param("id"), req.SignerID, req.Signature, nowUnix())
	if err != nil {
		fail(c, h, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": state})
}

// Execute handles POST /multisig/execute/{id}, per §4.8/§6.
func (h *Handler) Execute(c *gin.Context) {
	artifact, err := h.fsm.Execute(c.Request.Context(), c.Param("id"), nowUnix())
	if err != nil {
		fail(c, h, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"executed": true, "artifact": artifact})
}

// ListProposals handles GET /multisig/proposals.
func (h *Handler) ListProposals(c *gin.Context) {
	proposals, err := h.store.ListProposals(c.Request.Context())
	if err != nil {
		fail(c, h, err)
		return
	}
	c.JSON(http.StatusOK, proposals)
}

type addSignerRequest struct {
	SignerID  string `json:"signer_id" binding:"required"`
	PublicKey string `json:"public_key" binding:"required"`
}

// AddSigner handles an operator registering a new multi-sig participant.
// No route is named for this in the distillation's §6 table beyond the
// GET listing, so this is the supplemental write side of /multisig/signers.
func (h *Handler) AddSigner(c *gin.Context) {
	var req addSignerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	signer, err := h.store.AddSigner(c.Request.Context(), req.SignerID, []byte(req.PublicKey))
	if err != nil {
		fail(c, h, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"signer_id": signer.SignerID, "added_at": signer.AddedAt})
}

// ListSigners handles GET /multisig/signers.
func (h *Handler) ListSigners(c *gin.Context) {
	signers, err := h.store.ListActiveSigners(c.Request.Context())
	if err != nil {
		fail(c, h, err)
		return
	}
	c.JSON(http.StatusOK, signers)
}
