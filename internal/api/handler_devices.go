package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"regexp"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kibshh/iot-anchor-node/internal/apierr"
	"github.com/kibshh/iot-anchor-node/internal/eventbus"
	"github.com/kibshh/iot-anchor-node/internal/hashutil"
	"github.com/kibshh/iot-anchor-node/internal/merkle"
	"github.com/kibshh/iot-anchor-node/internal/zkp"
)

type registerDeviceRequest struct {
	DeviceID   string `json:"device_id" binding:"required"`
	DeviceName string `json:"device_name"`
	DeviceType string `json:"device_type"`
	Secret     string `json:"secret" binding:"required"`
}

// deviceIDPattern is §3's primary-key invariant: device_id matches
// [A-Za-z0-9_-] and is at most 64 characters.
var deviceIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// registerDevice is the business operation behind POST /devices/register,
// shared verbatim with the multisig REGISTER_DEVICE handler (spec.md §2:
// "a device registration may enter through the multi-sig state machine").
func (h *Handler) registerDevice(ctx context.Context, req registerDeviceRequest) (deviceID string, commitment hashutil.Digest, err error) {
	if req.DeviceID == "" || req.Secret == "" {
		return "", hashutil.Digest{}, apierr.New(apierr.CodeValidation, "device_id and secret are required")
	}
	if !deviceIDPattern.MatchString(req.DeviceID) {
		return "", hashutil.Digest{}, apierr.New(apierr.CodeValidation, "device_id must be 1-64 characters of [A-Za-z0-9_-]")
	}
	commitment = zkp.Commitment(req.DeviceID, req.Secret)
	if _, err := h.store.PutNewDevice(ctx, req.DeviceID, req.DeviceName, req.DeviceType, commitment); err != nil {
		return "", hashutil.Digest{}, err
	}
	if h.bus != nil {
		h.bus.Publish(eventbus.TopicDeviceRegistered, map[string]any{
			"device_id":         req.DeviceID,
			"public_commitment": commitment.Hex(),
		})
	}
	return req.DeviceID, commitment, nil
}

// RegisterDeviceProposalHandler adapts registerDevice to multisig.Handler,
// so a REGISTER_DEVICE proposal's payload can execute the same business
// operation the direct POST /devices/register path uses.
func (h *Handler) RegisterDeviceProposalHandler(ctx context.Context, payloadJSON string) (string, error) {
	var req registerDeviceRequest
	if err := json.Unmarshal([]byte(payloadJSON), &req); err != nil {
		return "", apierr.Wrap(apierr.CodeValidation, "invalid REGISTER_DEVICE payload", err)
	}
	deviceID, _, err := h.registerDevice(ctx, req)
	if err != nil {
		return "", err
	}
	return deviceID, nil
}

// RegisterDevice handles POST /devices/register.
func (h *Handler) RegisterDevice(c *gin.Context) {
	var req registerDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	deviceID, commitment, err := h.registerDevice(c.Request.Context(), req)
	if err != nil {
		fail(c, h, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"device_id": deviceID, "public_commitment": commitment.Hex()})
}

type authenticateRequest struct {
	DeviceID     string `json:"device_id" binding:"required"`
	Nonce        string `json:"nonce" binding:"required"`
	T            int64  `json:"t" binding:"required"`
	Response     string `json:"response" binding:"required"`
	HashedSecret string `json:"hashed_secret" binding:"required"`
}

func decodeHex32(s string) ([32]byte, error) {
	var out [32]byte
	b, err := hex.DecodeString(trimHex(s))
	if err != nil || len(b) != 32 {
		return out, apierr.New(apierr.CodeValidation, "expected 32-byte hex value")
	}
	copy(out[:], b)
	return out, nil
}

func decodeHex16(s string) ([16]byte, error) {
	var out [16]byte
	b, err := hex.DecodeString(trimHex(s))
	if err != nil || len(b) != 16 {
		return out, apierr.New(apierr.CodeValidation, "expected 16-byte hex nonce")
	}
	copy(out[:], b)
	return out, nil
}

func trimHex(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

// Authenticate handles POST /devices/authenticate, per §4.2/§6.
func (h *Handler) Authenticate(c *gin.Context) {
	var req authenticateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	nonce, err := decodeHex16(req.Nonce)
	if err != nil {
		fail(c, h, err)
		return
	}
	response, err := decodeHex32(req.Response)
	if err != nil {
		fail(c, h, err)
		return
	}
	hashedSecret, err := decodeHex32(req.HashedSecret)
	if err != nil {
		fail(c, h, err)
		return
	}

	proof := zkp.Proof{
		Scheme: zkp.SchemeSimple,
		Simple: &zkp.SimpleProof{
			DeviceID:     req.DeviceID,
			Nonce:        nonce,
			T:            req.T,
			Response:     hashutil.Digest(response),
			HashedSecret: hashutil.Digest(hashedSecret),
		},
	}

	now := time.Now()
	if err := h.zkpEngine.Verify(proof, now); err != nil {
		fail(c, h, err)
		return
	}

	if err := h.store.BumpAuthenticated(c.Request.Context(), req.DeviceID, now.Unix()); err != nil {
		fail(c, h, err)
		return
	}
	if h.bus != nil {
		h.bus.Publish(eventbus.TopicDeviceAuthenticated, map[string]any{"device_id": req.DeviceID, "at": now.Unix()})
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "at": now.Unix()})
}

type submitDataRequest struct {
	DeviceID string `json:"device_id" binding:"required"`
	Payload  any    `json:"payload" binding:"required"`
}

// SubmitData handles POST /devices/data, per §3/§4.6 step 1/§6.
func (h *Handler) SubmitData(c *gin.Context) {
	var req submitDataRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	device, err := h.store.GetDevice(c.Request.Context(), req.DeviceID)
	if err != nil {
		fail(c, h, err)
		return
	}
	if !device.IsActive {
		fail(c, h, apierr.New(apierr.CodeInactiveDevice, "device is inactive"))
		return
	}

	canonical, err := canonicalPayload(req.Payload)
	if err != nil {
		fail(c, h, err)
		return
	}
	leafHash := merkle.Leaf(canonical)

	if _, err := h.store.AppendPending(c.Request.Context(), req.DeviceID, string(canonical), leafHash); err != nil {
		fail(c, h, err)
		return
	}
	if err := h.store.BumpCounter(c.Request.Context(), req.DeviceID, 1); err != nil {
		fail(c, h, err)
		return
	}

	pendingCount, err := h.store.PendingCount(c.Request.Context())
	if err != nil {
		fail(c, h, err)
		return
	}

	if h.bus != nil {
		h.bus.Publish(eventbus.TopicDataSubmitted, map[string]any{"device_id": req.DeviceID, "leaf_hash": leafHash.Hex()})
	}
	c.JSON(http.StatusAccepted, gin.H{"accepted": true, "pending_count": pendingCount})
}

// ListDevices handles GET /devices.
func (h *Handler) ListDevices(c *gin.Context) {
	devices, err := h.store.ListDevices(c.Request.Context())
	if err != nil {
		fail(c, h, err)
		return
	}
	c.JSON(http.StatusOK, devices)
}

// GetDevice handles GET /devices/{id}.
func (h *Handler) GetDevice(c *gin.Context) {
	device, err := h.store.GetDevice(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, h, err)
		return
	}
	c.JSON(http.StatusOK, device)
}
