package s3

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/vaulthalla/vaulthalla/internal/errs"
)

var (
	reKey      = regexp.MustCompile(`^[A-Za-z0-9/+=]{20,128}$`)
	reEndpoint = regexp.MustCompile(`^https?://([A-Za-z0-9.-]+|\d{1,3}(?:\.\d{1,3}){3})(:\d{1,5})?/?$`)
)

// ValidateResult reports the outcome of a credential check.
type ValidateResult struct {
	OK      bool
	Message string
}

// ValidateCredentials regex-checks the key material and endpoint, then probes
// the service with ListBuckets. AccessDenied with a valid signature still
// counts as valid: the credentials authenticate, they just lack the listing
// permission.
func (c *Controller) ValidateCredentials(ctx context.Context) (ValidateResult, error) {
	if c.creds.SecretKey == "" {
		return ValidateResult{}, fmt.Errorf("api key secret is empty: %w", errs.ErrInvalidArgument)
	}

	var problems []string
	if !reKey.MatchString(c.creds.AccessKey) {
		problems = append(problems, "access key format looks wrong (expect 20-128 alphanumeric chars, slashes, pluses, or equals)")
	}
	if !reKey.MatchString(c.creds.SecretKey) {
		problems = append(problems, "secret access key format looks wrong (expect 20-128 alphanumeric chars, slashes, pluses, or equals)")
	}
	if !reEndpoint.MatchString(c.creds.Endpoint) {
		problems = append(problems, "endpoint format looks wrong (expect https://<host>[:port]/)")
	}
	if len(problems) > 0 {
		return ValidateResult{OK: false, Message: strings.Join(problems, "\n")}, nil
	}

	// Live probe: ListBuckets at the service root.
	serviceURL := strings.TrimRight(c.creds.Endpoint, "/") + "/"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, serviceURL, nil)
	if err != nil {
		return ValidateResult{}, fmt.Errorf("build probe: %w", err)
	}

	resp, err := c.do(c.client, req, UnsignedPayload)
	if err != nil {
		return ValidateResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 300 {
		return ValidateResult{OK: true, Message: "credentials validated (ListBuckets succeeded)"}, nil
	}

	body, _ := io.ReadAll(resp.Body)
	text := string(body)
	accessDenied := strings.Contains(text, "AccessDenied")
	badSig := strings.Contains(text, "SignatureDoesNotMatch") ||
		strings.Contains(text, "InvalidAccessKeyId") ||
		strings.Contains(text, "AuthFailure") ||
		strings.Contains(text, "XAmzContentSHA256Mismatch")

	if accessDenied && !badSig {
		return ValidateResult{OK: true, Message: "credentials validated (auth OK, ListBuckets denied)"}, nil
	}
	return ValidateResult{OK: false, Message: "auth probe failed: " + text}, nil
}
