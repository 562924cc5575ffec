package api

import (
	"encoding/json"
	"time"

	"github.com/kibshh/iot-anchor-node/internal/apierr"
)

func nowUnix() int64 {
	return time.Now().Unix()
}

// canonicalPayload re-encodes an already-decoded JSON value with Go's
// encoding/json, which sorts object keys — the stable byte encoding
// merkle.Leaf requires, per §4.3 ("canonical must already be a stable
// byte encoding"). The submitter's own key order is not preserved, but
// the same logical value always re-encodes identically.
func canonicalPayload(payload any) ([]byte, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeValidation, "payload is not valid JSON", err)
	}
	return b, nil
}
