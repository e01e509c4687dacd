package jwttoken

import (
	"consentd/internal/platform/middleware"
)

func ToMiddlewareClaims(claims *Claims) *middleware.JWTClaims {
	return &middleware.JWTClaims{
		ServiceID: claims.Subject,
		Scope:     claims.Scope,
		JTI:       claims.ID,
	}
}

// JWTServiceAdapter lets the auth middleware validate tokens without
// depending on this package.
type JWTServiceAdapter struct {
	service *JWTService
}

func NewJWTServiceAdapter(service *JWTService) *JWTServiceAdapter {
	return &JWTServiceAdapter{service: service}
}

func (a *JWTServiceAdapter) ValidateToken(tokenString string) (*middleware.JWTClaims, error) {
	claims, err := a.service.ValidateToken(tokenString)
	if err != nil {
		return nil, err
	}
	return ToMiddlewareClaims(claims), nil
}
