// ABOUTME: Local decoding of signed end-user tokens for expiry checks
// ABOUTME: Reads the claim segment only; signatures are verified by the backend

package unlock

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrMalformed is returned when a token cannot be split, base64url-decoded or
// parsed as a JSON claim set.
var ErrMalformed = errors.New("malformed token")

// parser is only used for segment decoding. Padding is tolerated because some
// encoders emit it and browsers' atob accepts both forms.
var parser = jwt.NewParser(jwt.WithPaddingAllowed())

// Claims holds the subset of the claim set the client cares about.
type Claims struct {
	ExpiresAt  time.Time
	CustomerID string
	TenantID   string
	Scope      string

	hasExpiry bool
	raw       jwt.MapClaims
}

// Decode splits token on ".", decodes the middle segment and parses it as JSON.
// It never verifies the signature.
func Decode(token string) (*Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) < 2 || parts[1] == "" {
		return nil, ErrMalformed
	}

	payload, err := parser.DecodeSegment(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var mc jwt.MapClaims
	if err := json.Unmarshal(payload, &mc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	exp, err := mc.GetExpirationTime()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	c := &Claims{raw: mc}
	if exp != nil {
		c.ExpiresAt = exp.Time
		c.hasExpiry = true
	}
	c.CustomerID, _ = mc["customer_id"].(string)
	c.TenantID, _ = mc["tenant_id"].(string)
	c.Scope, _ = mc["scope"].(string)
	return c, nil
}

// Fresh reports whether the claim set carries an expiry later than now,
// compared at millisecond resolution. A missing expiry is never fresh.
func (c *Claims) Fresh(now time.Time) bool {
	if c == nil || !c.hasExpiry {
		return false
	}
	return c.ExpiresAt.UnixMilli() > now.UnixMilli()
}

// Get returns an arbitrary claim value.
func (c *Claims) Get(name string) (any, bool) {
	if c == nil {
		return nil, false
	}
	v, ok := c.raw[name]
	return v, ok
}

// Fresh decodes token and reports whether it is unexpired at now.
// Undecodable tokens are treated as expired.
func Fresh(token string, now time.Time) bool {
	claims, err := Decode(token)
	if err != nil {
		return false
	}
	return claims.Fresh(now)
}
