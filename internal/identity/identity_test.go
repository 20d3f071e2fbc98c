package identity

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
)

func makeToken(t *testing.T, claims map[string]any) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none"}`))
	body, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(body)
	sig := base64.RawURLEncoding.EncodeToString([]byte("sig"))
	return strings.Join([]string{header, payload, sig}, ".")
}

func TestParseAccessTokenExtractsClaims(t *testing.T) {
	t.Parallel()
	token := makeToken(t, map[string]any{
		"email": "User@Example.com",
		"https://api.openai.com/auth": map[string]any{
			"chatgpt_account_id": "acct_123",
			"chatgpt_plan_type":  "pro",
		},
	})

	claims, err := ParseAccessToken(token)
	if err != nil {
		t.Fatalf("ParseAccessToken() error = %v", err)
	}
	if claims.AccountID() != "acct_123" || claims.PlanType() != "pro" || claims.Email != "User@Example.com" {
		t.Fatalf("claims = %+v", claims)
	}
}

func TestParseAccessTokenRejectsMalformed(t *testing.T) {
	t.Parallel()
	if _, err := ParseAccessToken("not-a-jwt"); err == nil {
		t.Fatalf("ParseAccessToken() error = nil, want error")
	}
}

func TestKeyIsPureFunctionOfInputs(t *testing.T) {
	t.Parallel()
	k1 := Key("acct", "Foo@Bar.com", "pro")
	k2 := Key("acct", "foo@bar.com", "pro")
	if k1 != k2 {
		t.Fatalf("Key() not case-normalized: %q vs %q", k1, k2)
	}
	if k1 != "acct|foo@bar.com|pro" {
		t.Fatalf("Key() = %q", k1)
	}
}

func TestApplyAccessTokenLeavesFieldsUnchangedOnMalformedToken(t *testing.T) {
	t.Parallel()
	accountID, email, plan, key := ApplyAccessToken("garbage", "acct", "e@x.com", "pro")
	if accountID != "acct" || email != "e@x.com" || plan != "pro" {
		t.Fatalf("got (%q,%q,%q), want unchanged", accountID, email, plan)
	}
	if key != Key("acct", "e@x.com", "pro") {
		t.Fatalf("key = %q", key)
	}
}

func TestApplyAccessTokenRepopulatesFromValidToken(t *testing.T) {
	t.Parallel()
	token := makeToken(t, map[string]any{
		"email": "new@example.com",
		"https://api.openai.com/auth": map[string]any{
			"chatgpt_account_id": "acct_new",
			"chatgpt_plan_type":  "team",
		},
	})
	accountID, email, plan, key := ApplyAccessToken(token, "old", "old@example.com", "free")
	if accountID != "acct_new" || email != "new@example.com" || plan != "team" {
		t.Fatalf("got (%q,%q,%q)", accountID, email, plan)
	}
	if key != "acct_new|new@example.com|team" {
		t.Fatalf("key = %q", key)
	}
}
