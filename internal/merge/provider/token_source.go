package provider

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/imroc/req/v3"

	"github.com/relaynotes/mergecore/internal/version"
)

// httpTokenResponse is the relay's JSON response shape for a document
// connect-token request.
type httpTokenResponse struct {
	URL        string     `json:"ws_url"`
	Token      string     `json:"token"`
	ExpiryTime *time.Time `json:"expiry_time,omitempty"`
}

// NewHTTPTokenSource builds a TokenSource that exchanges a bearer
// credential for a connect token against baseURL's `/connect/:docID`
// endpoint, following the same client setup (TLS 1.3 floor, retries, a
// user agent carrying the version) the rest of this codebase's HTTP client
// uses for its authenticated API calls.
func NewHTTPTokenSource(baseURL, bearer string) TokenSource {
	client := req.C().
		SetBaseURL(baseURL).
		SetTLSClientConfig(&tls.Config{MinVersion: tls.VersionTLS13}).
		SetCommonRetryCount(2).
		SetCommonRetryFixedInterval(500 * time.Millisecond).
		SetUserAgent("mergecore/" + version.Version).
		SetCommonBearerAuthToken(bearer)

	return func(ctx context.Context) (ClientToken, error) {
		var out httpTokenResponse
		resp, err := client.R().
			SetContext(ctx).
			SetSuccessResult(&out).
			Get("/connect")
		if err != nil {
			return ClientToken{}, fmt.Errorf("request connect token: %w", err)
		}
		if resp.IsErrorState() {
			return ClientToken{}, fmt.Errorf("connect token request failed: %s", resp.Status)
		}
		return ClientToken{URL: out.URL, Token: out.Token, ExpiryTime: out.ExpiryTime}, nil
	}
}
