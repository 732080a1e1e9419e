package binance

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// HMACAuth holds the API credentials for SIGNED endpoints.
type HMACAuth struct {
	Key    string
	Secret string
}

// Sign returns hex(HMAC-SHA256(secret, payload)).
func (h *HMACAuth) Sign(payload string) string {
	mac := hmac.New(sha256.New, []byte(h.Secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// SignedQuery adds timestamp and recvWindow to params and appends the
// signature of the resulting query string.
func (h *HMACAuth) SignedQuery(params url.Values, recvWindow time.Duration) string {
	return h.SignedQueryAt(params, recvWindow, time.Now().UnixMilli())
}

// SignedQueryAt is like SignedQuery with a caller-supplied millisecond
// timestamp.
func (h *HMACAuth) SignedQueryAt(params url.Values, recvWindow time.Duration, tsMillis int64) string {
	if params == nil {
		params = url.Values{}
	}
	params.Set("timestamp", strconv.FormatInt(tsMillis, 10))
	if recvWindow > 0 {
		params.Set("recvWindow", strconv.FormatInt(recvWindow.Milliseconds(), 10))
	}
	query := params.Encode()
	return query + "&signature=" + h.Sign(query)
}

// String returns a redacted representation suitable for logging.
func (h *HMACAuth) String() string {
	redact := func(s string) string {
		if len(s) <= 4 {
			return "****"
		}
		return s[:4] + "****"
	}
	return fmt.Sprintf("HMACAuth{key=%s, secret=%s}", redact(h.Key), redact(h.Secret))
}
