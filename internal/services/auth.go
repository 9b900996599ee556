package services

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"github.com/tessira/cartwright/internal/config"
	"github.com/tessira/cartwright/pkg/models"
)

// AuthService verifies bearer tokens issued by an external identity
// service. It never mints tokens itself; auth.required=false (the
// default) leaves the API open and tokens are only parsed when present
// so rate limiting can use the caller's tier.
type AuthService struct {
	config    *config.Config
	logger    *logrus.Logger
	jwtSecret []byte
}

func NewAuthService(cfg *config.Config, logger *logrus.Logger) *AuthService {
	return &AuthService{
		config:    cfg,
		logger:    logger,
		jwtSecret: []byte(cfg.Auth.JWTSecret),
	}
}

// Required reports whether requests without a valid token are rejected.
func (s *AuthService) Required() bool {
	return s.config.Auth.Required
}

func (s *AuthService) ValidateToken(tokenString string) (*models.JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &models.JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*models.JWTClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}

	return claims, nil
}
