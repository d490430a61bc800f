package providers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"

	"github.com/mcp-tool-shop/payroll-engine/internal/pspx"
)

// verifyHMACSignature checks an HMAC-SHA256 signature over the raw request
// body, hex-encoded in the given header. Every stub adapter uses the same
// verification shape; only the header name and secret differ per provider.
func verifyHMACSignature(body []byte, headers http.Header, headerName, secret string) error {
	got := headers.Get(headerName)
	if got == "" {
		return &pspx.SecurityError{Message: "missing webhook signature header " + headerName}
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(got), []byte(want)) {
		return &pspx.SecurityError{Message: "webhook signature mismatch"}
	}
	return nil
}
