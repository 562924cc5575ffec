// Package zkp implements the commitment-based identification protocol of
// §4.2. It is deliberately not a general zk-SNARK: a precisely specified
// HMAC-style proof with timestamp binding and a replay-detection cache,
// with an extension seam for future SNARK/STARK backends.
//
// Per the redesign flag in spec.md §9 ("dynamic dicts carrying proofs"),
// a Proof is a tagged sum with one populated variant per Scheme rather
// than a free-form map — SchemeSimple is the only variant with a working
// Generate/Verify; SchemeSNARK and SchemeSTARK are registered names only.
package zkp

import (
	"crypto/rand"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/kibshh/iot-anchor-node/internal/apierr"
	"github.com/kibshh/iot-anchor-node/internal/hashutil"
)

// Scheme names. Only SchemeSimple has a working implementation; the
// others exist so callers can name a scheme without the engine pretending
// it has a verifier for it (spec.md §9, Open Question 2).
const (
	SchemeSimple = "SIMPLE"
	SchemeSNARK  = "SNARK"
	SchemeSTARK  = "STARK"
)

// DefaultValidityWindow is VALIDITY_WINDOW from §4.2/§6.
const DefaultValidityWindow = 300 * time.Second

// SimpleProof is the only populated variant of Proof today.
type SimpleProof struct {
	DeviceID string
	Nonce    [16]byte
	T        int64 // unix seconds
	Response hashutil.Digest
	// HashedSecret is H(secret), submitted alongside the proof so the
	// verifier can recompute the commitment equation without ever seeing
	// the secret itself. See §4.2 step 3.
	HashedSecret hashutil.Digest
}

// Proof is a tagged union over authentication schemes. Exactly one of the
// scheme-specific fields is populated, matching Scheme.
type Proof struct {
	Scheme string
	Simple *SimpleProof
}

// Commitment computes public_commitment = H("COMMIT" ‖ device_id ‖ H(secret)).
func Commitment(deviceID, secret string) hashutil.Digest {
	return CommitmentFromHashedSecret(deviceID, hashutil.Sum(hashutil.String(secret)))
}

// CommitmentFromHashedSecret computes the same equation from an
// already-hashed secret, which is what the verifier sees on the wire.
func CommitmentFromHashedSecret(deviceID string, hashedSecret hashutil.Digest) hashutil.Digest {
	return hashutil.Sum(hashutil.String("COMMIT"), hashutil.String(deviceID), hashedSecret.Bytes())
}

func randomNonce() ([16]byte, error) {
	var n [16]byte
	if _, err := rand.Read(n[:]); err != nil {
		return n, err
	}
	return n, nil
}

// GenerateSimple builds a SIMPLE-scheme proof per §4.2: challenge binds
// device_id, a fresh nonce, and t; response binds H(secret) to that
// challenge.
func GenerateSimple(deviceID, secret string, t time.Time) (Proof, error) {
	nonce, err := randomNonce()
	if err != nil {
		return Proof{}, apierr.Wrap(apierr.CodeInternal, "failed to generate nonce", err)
	}

	ts := t.Unix()
	hashedSecret := hashutil.Sum(hashutil.String(secret))
	challenge := hashutil.Sum(hashutil.String("CHAL"), hashutil.String(deviceID), nonce[:], hashutil.Int64(ts))
	response := hashutil.Sum(hashedSecret.Bytes(), challenge.Bytes())

	return Proof{
		Scheme: SchemeSimple,
		Simple: &SimpleProof{
			DeviceID:     deviceID,
			Nonce:        nonce,
			T:            ts,
			Response:     response,
			HashedSecret: hashedSecret,
		},
	}, nil
}

// Generate dispatches on scheme. SNARK/STARK are named but unimplemented,
// per the extension seam described in §4.2.
func Generate(scheme, deviceID, secret string, t time.Time) (Proof, error) {
	switch scheme {
	case SchemeSimple:
		return GenerateSimple(deviceID, secret, t)
	case SchemeSNARK, SchemeSTARK:
		return Proof{}, apierr.New(apierr.CodeUnsupportedScheme, scheme+" is a named scheme with no generator")
	default:
		return Proof{}, apierr.New(apierr.CodeValidation, "unknown scheme: "+scheme)
	}
}

// CommitmentLookup resolves a device's stored commitment and active flag.
// The engine depends only on this narrow interface, not on the full
// persistence adapter, keeping C2 independent of C11.
type CommitmentLookup interface {
	Lookup(deviceID string) (commitment hashutil.Digest, isActive bool, found bool, err error)
}

// Engine verifies proofs and guards against replay. It holds no secrets;
// the replay cache and commitment lookup are its only state.
type Engine struct {
	lookup         CommitmentLookup
	replay         *cache.Cache
	validityWindow time.Duration
}

// NewEngine builds a ZKP engine with the given commitment lookup and
// validity window. The replay cache entry TTL equals validityWindow, per
// §4.2 step 4 — an entry auto-expires exactly when the proof it guards
// would independently fail as stale.
func NewEngine(lookup CommitmentLookup, validityWindow time.Duration) *Engine {
	if validityWindow <= 0 {
		validityWindow = DefaultValidityWindow
	}
	return &Engine{
		lookup:         lookup,
		replay:         cache.New(validityWindow, validityWindow*2),
		validityWindow: validityWindow,
	}
}

func replayKey(deviceID string, nonce [16]byte, t int64) string {
	return hashutil.Sum(hashutil.String(deviceID), nonce[:], hashutil.Int64(t)).Hex()
}

// Verify implements §4.2 verification steps 1-4 for the SIMPLE scheme.
// On success it reports nothing beyond nil — callers are responsible for
// updating last_authenticated_at (step 5), which belongs to the
// persistence adapter, not this package.
func (e *Engine) Verify(proof Proof, tVerify time.Time) error {
	if proof.Scheme != SchemeSimple || proof.Simple == nil {
		return apierr.New(apierr.CodeUnsupportedScheme, "only the SIMPLE scheme has a verifier")
	}
	p := proof.Simple

	if age := tVerify.Sub(time.Unix(p.T, 0)); age > e.validityWindow || age < -e.validityWindow {
		return apierr.New(apierr.CodeStaleProof, "proof timestamp outside validity window")
	}

	commitment, isActive, found, err := e.lookup.Lookup(p.DeviceID)
	if err != nil {
		return apierr.Wrap(apierr.CodeInternal, "commitment lookup failed", err)
	}
	if !found {
		return apierr.New(apierr.CodeUnknownDevice, "no such device")
	}
	if !isActive {
		return apierr.New(apierr.CodeInactiveDevice, "device is inactive")
	}

	// Step 3: the single algebraic check. The verifier never sees the raw
	// secret — only H(secret) — and recomputes the commitment equation.
	if CommitmentFromHashedSecret(p.DeviceID, p.HashedSecret) != commitment {
		return apierr.New(apierr.CodeBadProof, "commitment mismatch")
	}

	// response binds the attempt to (device, nonce, t); recompute and
	// compare so any single-bit corruption of response is also rejected.
	challenge := hashutil.Sum(hashutil.String("CHAL"), hashutil.String(p.DeviceID), p.Nonce[:], hashutil.Int64(p.T))
	expectedResponse := hashutil.Sum(p.HashedSecret.Bytes(), challenge.Bytes())
	if expectedResponse != p.Response {
		return apierr.New(apierr.CodeBadProof, "response mismatch")
	}

	key := replayKey(p.DeviceID, p.Nonce, p.T)
	if _, found := e.replay.Get(key); found {
		return apierr.New(apierr.CodeReplay, "proof already used")
	}
	e.replay.Set(key, struct{}{}, e.validityWindow)

	return nil
}
