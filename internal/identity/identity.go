// Package identity derives the stable identityKey from an account's access
// token, following the teacher's codex JWT introspection: a minimal
// base64url + JSON reader, never a full JWT library, since signature
// verification is never needed.
package identity

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Claims holds the subset of the JWT payload this proxy cares about.
type Claims struct {
	Email       string      `json:"email"`
	ChatGPTAuth chatgptAuth `json:"https://api.openai.com/auth"`
}

type chatgptAuth struct {
	ChatgptAccountID string `json:"chatgpt_account_id"`
	ChatgptPlanType  string `json:"chatgpt_plan_type"`
}

// AccountID returns the chatgpt_account_id claim.
func (c Claims) AccountID() string { return c.ChatGPTAuth.ChatgptAccountID }

// PlanType returns the chatgpt_plan_type claim.
func (c Claims) PlanType() string { return c.ChatGPTAuth.ChatgptPlanType }

// ParseAccessToken parses the JWT payload segment without verifying its
// signature and extracts account/plan/email claims.
func ParseAccessToken(token string) (Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return Claims{}, fmt.Errorf("identity: invalid JWT format, expected 3 parts got %d", len(parts))
	}
	payload, err := base64URLDecode(parts[1])
	if err != nil {
		return Claims{}, fmt.Errorf("identity: decode claims: %w", err)
	}
	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return Claims{}, fmt.Errorf("identity: unmarshal claims: %w", err)
	}
	return claims, nil
}

func base64URLDecode(segment string) ([]byte, error) {
	switch len(segment) % 4 {
	case 2:
		segment += "=="
	case 3:
		segment += "="
	}
	return base64.URLEncoding.DecodeString(segment)
}

// Key composes the canonical identityKey: accountId|lower(email)|plan, with
// missing parts represented as empty segments.
func Key(accountID, email, plan string) string {
	return accountID + "|" + strings.ToLower(email) + "|" + plan
}

// ApplyAccessToken parses token and returns the refreshed (accountID, email,
// plan, identityKey) tuple. When the token cannot be parsed it returns the
// previous values unchanged, matching the "malformed JWTs leave existing
// fields unchanged" invariant.
func ApplyAccessToken(token, prevAccountID, prevEmail, prevPlan string) (accountID, email, plan, key string) {
	claims, err := ParseAccessToken(token)
	if err != nil {
		return prevAccountID, prevEmail, prevPlan, Key(prevAccountID, prevEmail, prevPlan)
	}
	accountID = claims.AccountID()
	email = claims.Email
	plan = claims.PlanType()
	if accountID == "" {
		accountID = prevAccountID
	}
	if email == "" {
		email = prevEmail
	}
	if plan == "" {
		plan = prevPlan
	}
	return accountID, email, plan, Key(accountID, email, plan)
}
