package deploy

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Validator checks a finished deployment from the outside.
type Validator interface {
	Validate(ctx context.Context) error
}

// HTTPValidator sends a HEAD request to URL and expects a non-error response.
type HTTPValidator struct {
	URL     string        // required
	Client  *http.Client  // default: http.DefaultClient
	Timeout time.Duration // default: 10s
}

// Validate implements Validator.
func (v *HTTPValidator) Validate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, v.timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, v.URL, nil)
	if err != nil {
		return fmt.Errorf("validate: %w", err)
	}

	resp, err := v.client().Do(req)
	if err != nil {
		return fmt.Errorf("validate: %w", err)
	}
	_ = resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("validate: got status %d from %s", resp.StatusCode, v.URL)
	}
	return nil
}

func (v *HTTPValidator) client() *http.Client {
	if v.Client == nil {
		return http.DefaultClient
	}
	return v.Client
}

func (v *HTTPValidator) timeout() time.Duration {
	if v.Timeout <= 0 {
		return 10 * time.Second
	}
	return v.Timeout
}
