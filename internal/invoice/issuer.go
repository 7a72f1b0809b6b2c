package invoice

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/lacrypta/checkout/internal/event"
)

// Issuer turns a payment amount plus a signed payment-request event into a
// redeemable string a payer's wallet can resolve.
type Issuer interface {
	RequestInvoice(ctx context.Context, amountMsat int64, request *event.Event) (string, error)
}

// LocalIssuer mints redeemable strings directly from the codec. Demo mode
// and tests; no external service involved.
type LocalIssuer struct {
	codec *Codec
}

// NewLocalIssuer creates a local issuer over the given codec.
func NewLocalIssuer(codec *Codec) *LocalIssuer {
	return &LocalIssuer{codec: codec}
}

func (l *LocalIssuer) RequestInvoice(_ context.Context, amountMsat int64, request *event.Event) (string, error) {
	orderID, _ := request.FirstTag(event.TagReference)
	return l.codec.Encode(amountMsat, orderID)
}

// HTTPIssuer calls an LNURL-style callback endpoint. The amount and the
// JSON of the signed request event go in the query string; the response is
// either {"pr": "..."} or {"status":"ERROR","reason":"..."}.
type HTTPIssuer struct {
	callbackURL string
	httpClient  *http.Client
}

// NewHTTPIssuer creates an issuer client for the given callback URL.
func NewHTTPIssuer(callbackURL string) *HTTPIssuer {
	return &HTTPIssuer{
		callbackURL: callbackURL,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

func (h *HTTPIssuer) RequestInvoice(ctx context.Context, amountMsat int64, request *event.Event) (string, error) {
	raw, err := json.Marshal(request)
	if err != nil {
		return "", fmt.Errorf("invoice: marshal request event: %w", err)
	}

	u, err := url.Parse(h.callbackURL)
	if err != nil {
		return "", fmt.Errorf("%w: bad callback URL: %v", ErrServiceUnavailable, err)
	}
	q := u.Query()
	q.Set("amount", fmt.Sprintf("%d", amountMsat))
	q.Set("request", string(raw))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status %d", ErrServiceUnavailable, resp.StatusCode)
	}

	var parsed struct {
		PR     string `json:"pr"`
		Status string `json:"status"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	if parsed.Status == "ERROR" || parsed.PR == "" {
		return "", fmt.Errorf("%w: %s", ErrServiceUnavailable, parsed.Reason)
	}
	return parsed.PR, nil
}
