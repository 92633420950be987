package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Claims is the normalized identity extracted from a verified ID token.
type Claims struct {
	Sub           string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"emailVerified"`
	Name          string `json:"name,omitempty"`
	Picture       string `json:"picture,omitempty"`
	HD            string `json:"hd,omitempty"`
	Iss           string `json:"iss,omitempty"`
	Iat           int64  `json:"iat,omitempty"`
	Exp           int64  `json:"exp"`
}

// ExpiresAt returns exp as a time.
func (c Claims) ExpiresAt() time.Time {
	return time.Unix(c.Exp, 0).UTC()
}

// Identity is the cache identity of the caller: email, then subject.
func (c Claims) Identity() string {
	if e := strings.TrimSpace(c.Email); e != "" {
		return strings.ToLower(e)
	}
	return strings.TrimSpace(c.Sub)
}

// DefaultSkew is the clock allowance applied to exp, iat and nbf.
const DefaultSkew = 120 * time.Second

type claimRules struct {
	audience string
	issuers  []string
	skew     time.Duration
}

// checkClaims applies the claim rules shared by every verification strategy.
func checkClaims(raw map[string]any, now time.Time, rules claimRules) (Claims, error) {
	var c Claims
	c.Sub = stringClaim(raw["sub"])
	c.Email = stringClaim(raw["email"])
	c.Name = stringClaim(raw["name"])
	c.Picture = stringClaim(raw["picture"])
	c.HD = stringClaim(raw["hd"])
	c.Iss = stringClaim(raw["iss"])
	c.EmailVerified = truthy(raw["email_verified"])

	exp, ok := numericClaim(raw["exp"])
	if !ok {
		return Claims{}, errors.New("exp claim missing")
	}
	c.Exp = exp
	if iat, ok := numericClaim(raw["iat"]); ok {
		c.Iat = iat
	}

	if rules.audience == "" || !audContains(raw["aud"], rules.audience) {
		return Claims{}, errors.New("audience mismatch")
	}
	if !issuerAllowed(c.Iss, rules.issuers) {
		return Claims{}, fmt.Errorf("issuer %q not accepted", c.Iss)
	}
	skew := rules.skew
	if skew <= 0 {
		skew = DefaultSkew
	}
	nowUnix := now.Unix()
	skewSec := int64(skew / time.Second)
	if nowUnix > c.Exp+skewSec {
		return Claims{}, errors.New("token expired")
	}
	if c.Iat != 0 && c.Iat > nowUnix+skewSec {
		return Claims{}, errors.New("token issued in the future")
	}
	if nbf, ok := numericClaim(raw["nbf"]); ok && nowUnix+skewSec < nbf {
		return Claims{}, errors.New("token not yet valid")
	}
	if strings.TrimSpace(c.Sub) == "" {
		return Claims{}, errors.New("subject required")
	}
	if strings.TrimSpace(c.Email) == "" {
		return Claims{}, errors.New("email required")
	}
	return c, nil
}

func audContains(aud any, expected string) bool {
	switch v := aud.(type) {
	case string:
		return v == expected
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && s == expected {
				return true
			}
		}
	case []string:
		for _, s := range v {
			if s == expected {
				return true
			}
		}
	}
	return false
}

func issuerAllowed(iss string, allowed []string) bool {
	if len(allowed) == 0 {
		return iss != ""
	}
	for _, a := range allowed {
		if iss == a {
			return true
		}
	}
	return false
}

// truthy recognizes the encodings identity providers use for boolean claims.
func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "1", "yes":
			return true
		}
	case float64:
		return t == 1
	case int:
		return t == 1
	case int64:
		return t == 1
	case json.Number:
		n, err := t.Int64()
		return err == nil && n == 1
	}
	return false
}

func stringClaim(v any) string {
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

// numericClaim accepts JSON numbers and the decimal strings tokeninfo returns.
func numericClaim(v any) (int64, bool) {
	switch t := v.(type) {
	case float64:
		return int64(t), true
	case int64:
		return t, true
	case int:
		return int64(t), true
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			f, ferr := t.Float64()
			if ferr != nil {
				return 0, false
			}
			return int64(f), true
		}
		return n, true
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		return n, err == nil
	}
	return 0, false
}
