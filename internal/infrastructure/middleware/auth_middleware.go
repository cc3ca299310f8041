package middleware

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"mediarelay/internal/core/domain"
	"mediarelay/internal/infrastructure/relay"
	"mediarelay/pkg/circuitbreaker"
	"mediarelay/pkg/config"
	apperrors "mediarelay/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// ErrInvalidToken is returned when a token is rejected by the verifier.
var ErrInvalidToken = errors.New("invalid token")

// TokenVerifier checks a client token and returns the user it was issued to.
// Verifiers that cannot tell the user return an empty id.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (domain.UserID, error)
}

type Claims struct {
	UserID domain.UserID `json:"user_id"`
	jwt.RegisteredClaims
}

// JWTVerifier accepts HS256 tokens signed with a shared secret.
type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

func (v *JWTVerifier) GenerateToken(userID domain.UserID, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

func (v *JWTVerifier) Verify(_ context.Context, tokenString string) (domain.UserID, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", fmt.Errorf("%w: token expired", ErrInvalidToken)
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return "", ErrInvalidToken
	}
	return claims.UserID, nil
}

// GatewayVerifier asks the identity gateway whether a token is valid.
type GatewayVerifier struct {
	url     string
	client  *http.Client
	breaker *circuitbreaker.CircuitBreaker
}

func NewGatewayVerifier(gateway, verifyPath string, timeout time.Duration) *GatewayVerifier {
	cbCfg := circuitbreaker.DefaultConfig()
	// a rejected token says nothing about the gateway's health
	cbCfg.IsFailure = func(err error) bool { return !errors.Is(err, ErrInvalidToken) }
	return &GatewayVerifier{
		url:     strings.TrimRight(gateway, "/") + verifyPath,
		client:  &http.Client{Timeout: timeout},
		breaker: circuitbreaker.New(cbCfg),
	}
}

func (v *GatewayVerifier) Verify(ctx context.Context, token string) (domain.UserID, error) {
	return circuitbreaker.Run(ctx, v.breaker, func(ctx context.Context) (domain.UserID, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.url, nil)
		if err != nil {
			return "", fmt.Errorf("failed to build verify request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Token-Header", token)

		resp, err := v.client.Do(req)
		if err != nil {
			return "", fmt.Errorf("identity gateway unreachable: %w", err)
		}
		defer resp.Body.Close()

		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return "", ErrInvalidToken
		case resp.StatusCode >= 500:
			return "", fmt.Errorf("identity gateway returned %d", resp.StatusCode)
		case resp.StatusCode >= 300:
			return "", fmt.Errorf("%w: gateway returned %d", ErrInvalidToken, resp.StatusCode)
		}

		var identity struct {
			UserID string `json:"userId"`
		}
		if err := json.Unmarshal(body, &identity); err != nil || identity.UserID == "" {
			return "", fmt.Errorf("%w: gateway returned no user", ErrInvalidToken)
		}
		return domain.UserID(identity.UserID), nil
	})
}

// NewTokenVerifier builds the verifier for the configured auth mode. Mode
// "none" yields nil.
func NewTokenVerifier(cfg *config.Config) TokenVerifier {
	switch cfg.Auth.Mode {
	case "jwt":
		return NewJWTVerifier(cfg.Auth.JWTSecret)
	case "gateway":
		return NewGatewayVerifier(cfg.Auth.APIGateway, cfg.Auth.VerifyPath, cfg.Auth.VerifyTimeout)
	default:
		return nil
	}
}

func bearerToken(c *gin.Context) string {
	if header := c.GetHeader("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && parts[0] == "Bearer" {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	return c.Query("token")
}

// AuthMiddleware rejects requests without a valid token. A nil verifier lets
// everything through.
func AuthMiddleware(verifier TokenVerifier, logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if verifier == nil {
			c.Next()
			return
		}

		token := bearerToken(c)
		if token == "" {
			_ = c.Error(apperrors.NewUnauthorizedError("token required"))
			c.Abort()
			return
		}

		userID, err := verifier.Verify(c.Request.Context(), token)
		if err != nil {
			logger.Warnw("token rejected",
				"path", c.Request.URL.Path,
				"client_ip", c.ClientIP(),
				"error", err,
			)
			if errors.Is(err, ErrInvalidToken) {
				_ = c.Error(apperrors.NewUnauthorizedError("invalid token"))
			} else {
				_ = c.Error(apperrors.WrapError(err, apperrors.ErrCodeServiceUnavailable,
					"identity service unavailable", http.StatusServiceUnavailable))
			}
			c.Abort()
			return
		}

		if userID != "" {
			c.Set("user_id", string(userID))
		}
		c.Next()
	}
}

// RelaySecretMiddleware guards the federation routes with the shared secret
// header. An empty secret disables the check.
func RelaySecretMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.Next()
			return
		}
		got := c.GetHeader(relay.SecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			_ = c.Error(apperrors.NewUnauthorizedError("invalid relay secret"))
			c.Abort()
			return
		}
		c.Next()
	}
}
