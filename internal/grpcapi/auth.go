package grpcapi

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const (
	oracleSubject  = "oracle"
	oracleAudience = "stdb-callback"
	tokenLeeway    = 30 * time.Second
)

// NewOracleToken issues the bearer token an oracle presents on RevealCallback.
func NewOracleToken(secret []byte, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("empty oracle secret")
	}
	now := time.Now().UTC()
	claims := jwt.RegisteredClaims{
		Subject:   oracleSubject,
		Audience:  jwt.ClaimStrings{oracleAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// verifyOracleToken checks an HS256 token for the oracle subject and audience.
func verifyOracleToken(secret []byte, tok string) error {
	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(tok, &claims, func(*jwt.Token) (any, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(oracleAudience),
		jwt.WithSubject(oracleSubject),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(tokenLeeway),
	)
	if err != nil || !parsed.Valid {
		return errors.New("invalid oracle token")
	}
	return nil
}

// OracleAuthUnaryInterceptor guards RevealCallback with an oracle bearer
// token. With an empty secret the callback RPC is disabled; the in-process
// gateway delivers directly.
func OracleAuthUnaryInterceptor(secret []byte) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if info.FullMethod != revealCallbackMethod {
			return handler(ctx, req)
		}
		if len(secret) == 0 {
			return nil, status.Error(codes.PermissionDenied, "remote oracle callbacks are disabled")
		}
		tok, err := bearerTokenFromMD(ctx)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, err.Error())
		}
		if err := verifyOracleToken(secret, tok); err != nil {
			return nil, status.Error(codes.Unauthenticated, err.Error())
		}
		return handler(ctx, req)
	}
}

func bearerTokenFromMD(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", errors.New("no metadata")
	}
	for _, v := range md.Get("authorization") {
		v = strings.TrimSpace(v)
		if len(v) >= 7 && strings.EqualFold(v[:7], "bearer ") {
			if t := strings.TrimSpace(v[7:]); t != "" {
				return t, nil
			}
		}
	}
	return "", errors.New("no bearer token")
}
