package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/lamb-project/lamb/pkg/httpclient"
)

// TokenVerifier validates a bearer token and extracts claims. The
// builder runs verifiers in order and accepts the first success, so
// the legacy path can be retired by dropping it from the list.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*Claims, error)
}

// JWTVerifier validates native LAMB JWTs signed with the shared
// secret.
type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

func (v *JWTVerifier) Verify(ctx context.Context, tokenString string) (*Claims, error) {
	token, err := jwt.Parse(
		[]byte(tokenString),
		jwt.WithKey(jwa.HS256, v.secret),
		jwt.WithValidate(true),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims := &Claims{Subject: token.Subject()}

	if email, ok := token.Get("email"); ok {
		if emailStr, ok := email.(string); ok {
			claims.Email = emailStr
		}
	}
	if role, ok := token.Get("role"); ok {
		if roleStr, ok := role.(string); ok {
			claims.Role = roleStr
		}
	}

	return claims, nil
}

// Sign issues a native token. Used by admin flows and tests.
func (v *JWTVerifier) Sign(claims *Claims, ttl time.Duration) (string, error) {
	now := time.Now()
	token, err := jwt.NewBuilder().
		Subject(claims.Subject).
		Claim("email", claims.Email).
		Claim("role", claims.Role).
		IssuedAt(now).
		Expiration(now.Add(ttl)).
		Build()
	if err != nil {
		return "", fmt.Errorf("failed to build token: %w", err)
	}

	signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256, v.secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return string(signed), nil
}

// LegacyVerifier delegates to the legacy identity service. A positive
// response is treated as a synthetic payload of {email, role, sub}.
type LegacyVerifier struct {
	baseURL    string
	httpClient *httpclient.Client
}

func NewLegacyVerifier(baseURL string) *LegacyVerifier {
	return &LegacyVerifier{
		baseURL: baseURL,
		httpClient: httpclient.New(
			httpclient.WithTimeout(5*time.Second),
			httpclient.WithoutRetries(),
		),
	}
}

func (v *LegacyVerifier) Verify(ctx context.Context, token string) (*Claims, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", v.baseURL+"/auth/verify", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create verify request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := v.httpClient.Do(req)
	if resp == nil {
		return nil, fmt.Errorf("legacy identity service unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("legacy identity service rejected token: HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read verify response: %w", err)
	}

	var payload struct {
		Email string `json:"email"`
		Role  string `json:"role"`
		Sub   string `json:"sub"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("unexpected verify response: %w", err)
	}
	if payload.Email == "" {
		return nil, fmt.Errorf("legacy identity response missing email")
	}

	return &Claims{Subject: payload.Sub, Email: payload.Email, Role: payload.Role}, nil
}
