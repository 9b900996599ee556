package models

import (
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// JWTClaims is the payload of bearer tokens minted by the identity
// service. Only verification happens here.
type JWTClaims struct {
	UserID   uuid.UUID `json:"user_id"`
	UserTier string    `json:"user_tier"` // free, premium
	jwt.RegisteredClaims
}

type RateLimitInfo struct {
	Limit     int   `json:"limit"`
	Remaining int   `json:"remaining"`
	ResetTime int64 `json:"reset_time"`
}
