package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Identity 握手时验证得到的用户身份。
// 创建后不可变，显式传入该连接的每个 handler，不做任何全局查找。
type Identity struct {
	UserID   uint64 `json:"userId"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	Role     string `json:"role,omitempty"`
}

// IsAdmin 管理员角色判断（purge 等敏感操作用）
func (id Identity) IsAdmin() bool { return id.Role == "admin" }

var ErrInvalidToken = errors.New("UNAUTHENTICATED")

// Verifier 身份验证的消费接口：verify(token) -> Identity | invalid。
// 过期、伪造、格式错误的 token 一律返回 ErrInvalidToken。
type Verifier interface {
	Verify(ctx context.Context, token string) (*Identity, error)
}

// ---- HTTP 实现：调用外部 auth 服务 /v1/auth/verify ----

type httpVerifier struct {
	client    *http.Client
	verifyURL string
}

// NewHTTPVerifier authBaseURL 不要带路径（例如 http://localhost:3001），
// 这里自己拼 + "/v1/auth/verify"，避免 double slash。
func NewHTTPVerifier(authBaseURL string) Verifier {
	return &httpVerifier{
		client:    &http.Client{},
		verifyURL: strings.TrimRight(authBaseURL, "/") + "/v1/auth/verify",
	}
}

type verifyErrResp struct {
	Error string `json:"error"`
}

func (v *httpVerifier) Verify(ctx context.Context, token string) (*Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, 1200*time.Millisecond)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.verifyURL, bytes.NewReader([]byte("{}")))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		// 包含超时：context deadline exceeded
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		var e verifyErrResp
		_ = json.NewDecoder(resp.Body).Decode(&e) // 尽力解析错误信息
		return nil, ErrInvalidToken
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.New("auth-service verify non-200")
	}

	var id Identity
	if err := json.NewDecoder(resp.Body).Decode(&id); err != nil {
		return nil, err
	}
	if id.UserID == 0 {
		return nil, ErrInvalidToken
	}
	return &id, nil
}

// ---- 本地实现：HS256 直接解析，开发/测试环境用（Auth.path 为空时启用） ----

type Claims struct {
	UserID   uint64 `json:"sub"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	Role     string `json:"role,omitempty"`
	Type     string `json:"typ"`
	jwt.RegisteredClaims
}

func getSecret() []byte {
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		secret = "dev-secret"
	}
	return []byte(secret)
}

type localVerifier struct{}

func NewLocalVerifier() Verifier { return localVerifier{} }

func (localVerifier) Verify(ctx context.Context, tokenString string) (*Identity, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return getSecret(), nil
	})
	if err != nil {
		// 过期、签名不对都走这里
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Type != "" && claims.Type != "access" {
		return nil, ErrInvalidToken
	}
	return &Identity{
		UserID:   claims.UserID,
		Username: claims.Username,
		Email:    claims.Email,
		Role:     claims.Role,
	}, nil
}

// SignAccessToken 本地签发 access token（开发/测试用）
func SignAccessToken(id Identity, ttl time.Duration) (string, error) {
	claims := &Claims{
		UserID:   id.UserID,
		Username: id.Username,
		Email:    id.Email,
		Role:     id.Role,
		Type:     "access",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(getSecret())
}
