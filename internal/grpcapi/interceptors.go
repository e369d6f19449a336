package grpcapi

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/status"
)

// RecoveryUnaryInterceptor turns handler panics into codes.Internal.
func RecoveryUnaryInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("panic in rpc handler",
					zap.String("method", info.FullMethod),
					zap.Any("panic", r),
					zap.Stack("stack"))
				err = status.Error(codes.Internal, "internal server error")
			}
		}()
		return handler(ctx, req)
	}
}

// LoggingUnaryInterceptor logs method, status code and latency of each call.
func LoggingUnaryInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)
		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.Stringer("code", code),
			zap.Duration("latency", time.Since(start)),
		}
		if code == codes.Internal || code == codes.Unknown {
			logger.Error("rpc failed", append(fields, zap.Error(err))...)
		} else {
			logger.Info("rpc", fields...)
		}
		return resp, err
	}
}

// ServerOptions returns the codec, interceptor chain and message limits used
// by stdb serve. Recovery runs innermost so panics are logged as Internal.
func ServerOptions(logger *zap.Logger, oracleSecret []byte) []grpc.ServerOption {
	if logger == nil {
		logger = zap.NewNop()
	}
	return []grpc.ServerOption{
		ServerCodec(),
		grpc.MaxRecvMsgSize(64 << 20), // CKKS ciphertexts are large
		grpc.MaxSendMsgSize(64 << 20),
		grpc.ChainUnaryInterceptor(
			LoggingUnaryInterceptor(logger),
			OracleAuthUnaryInterceptor(oracleSecret),
			RecoveryUnaryInterceptor(logger),
		),
	}
}

// LoadTLSCredentials loads a certificate and key for server-side TLS.
func LoadTLSCredentials(certFile, keyFile string) (credentials.TransportCredentials, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS key pair: %w", err)
	}
	return credentials.NewTLS(&tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
	}), nil
}
