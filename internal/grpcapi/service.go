// Package grpcapi exposes the query engine over gRPC.
//
// The schema is api/proto/stdb/v1/query_engine.proto. Messages are plain Go
// structs that encode themselves in the protobuf binary format with
// protowire, and the server and client force that codec under the standard
// "proto" content-subtype, so any protobuf client built from the .proto file
// interoperates. The same schema is registered in protoregistry at init for
// server reflection. Every engine error is translated to a status code in
// mapError.
package grpcapi

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/KristineHarveyqabrq6163/SpatioTemporalDB-FHE/internal/errs"
	"github.com/KristineHarveyqabrq6163/SpatioTemporalDB-FHE/internal/model"
	"github.com/KristineHarveyqabrq6163/SpatioTemporalDB-FHE/pkg/fhe"
	"github.com/KristineHarveyqabrq6163/SpatioTemporalDB-FHE/pkg/grid"
	"github.com/KristineHarveyqabrq6163/SpatioTemporalDB-FHE/pkg/oracle"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "stdb.v1.QueryEngine"

const revealCallbackMethod = "/" + ServiceName + "/RevealCallback"

// Engine is the subset of the query engine the service calls.
type Engine interface {
	Submit(ctx context.Context, encLat, encLon, encTimestamp fhe.Ciphertext, hint *grid.Hint) (int64, error)
	GetPoint(ctx context.Context, id int64) (*model.EncryptedPoint, error)
	RangeQuery(ctx context.Context, centerLat, centerLon, radius float64, startTime, endTime int64) (model.QueryHash, error)
	NearestNeighbor(ctx context.Context, targetLat, targetLon float64) (model.QueryHash, *model.Nearest, error)
	StoreResult(ctx context.Context, hash model.QueryHash, pointIDs []int64, encDistances []fhe.Ciphertext) error
	GetResult(ctx context.Context, hash model.QueryHash) (*model.QueryResult, error)
	GetDecrypted(ctx context.Context, hash model.QueryHash) (*model.DecryptedResult, error)
	RequestReveal(ctx context.Context, hash model.QueryHash) (string, error)
	OnRevealCallback(ctx context.Context, requestID string, cleartext, proof []byte) error
	Stats(ctx context.Context) (model.Stats, error)
	EvaluationKeys(ctx context.Context) (*model.EvaluationKeys, error)
	Disclosure() grid.Disclosure
}

// QueryEngineServer is the server API of stdb.v1.QueryEngine.
type QueryEngineServer interface {
	SubmitPoint(context.Context, *SubmitPointRequest) (*SubmitPointResponse, error)
	GetPoint(context.Context, *GetPointRequest) (*GetPointResponse, error)
	RangeQuery(context.Context, *RangeQueryRequest) (*RangeQueryResponse, error)
	NearestNeighbor(context.Context, *NearestNeighborRequest) (*NearestNeighborResponse, error)
	StoreResult(context.Context, *StoreResultRequest) (*StoreResultResponse, error)
	GetResult(context.Context, *GetResultRequest) (*GetResultResponse, error)
	GetDecrypted(context.Context, *GetDecryptedRequest) (*GetDecryptedResponse, error)
	RequestReveal(context.Context, *RequestRevealRequest) (*RequestRevealResponse, error)
	RevealCallback(context.Context, *RevealCallbackRequest) (*RevealCallbackResponse, error)
	Stats(context.Context, *StatsRequest) (*StatsResponse, error)
	GetPublicKey(context.Context, *GetPublicKeyRequest) (*GetPublicKeyResponse, error)
}

// ServiceDesc describes stdb.v1.QueryEngine for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*QueryEngineServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("SubmitPoint", QueryEngineServer.SubmitPoint),
		unary("GetPoint", QueryEngineServer.GetPoint),
		unary("RangeQuery", QueryEngineServer.RangeQuery),
		unary("NearestNeighbor", QueryEngineServer.NearestNeighbor),
		unary("StoreResult", QueryEngineServer.StoreResult),
		unary("GetResult", QueryEngineServer.GetResult),
		unary("GetDecrypted", QueryEngineServer.GetDecrypted),
		unary("RequestReveal", QueryEngineServer.RequestReveal),
		unary("RevealCallback", QueryEngineServer.RevealCallback),
		unary("Stats", QueryEngineServer.Stats),
		unary("GetPublicKey", QueryEngineServer.GetPublicKey),
	},
	Metadata: protoFile,
}

func unary[Req, Resp any](name string, call func(QueryEngineServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(QueryEngineServer)
			if interceptor == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(s, ctx, req.(*Req))
			})
		},
	}
}

// Register adds the service to a gRPC server.
func Register(r grpc.ServiceRegistrar, srv QueryEngineServer) {
	r.RegisterService(&ServiceDesc, srv)
}

// Server implements QueryEngineServer on top of an Engine.
type Server struct {
	eng Engine
}

var _ QueryEngineServer = (*Server)(nil)

// NewServer creates a server backed by eng.
func NewServer(eng Engine) *Server {
	return &Server{eng: eng}
}

func (s *Server) SubmitPoint(ctx context.Context, req *SubmitPointRequest) (*SubmitPointResponse, error) {
	if len(req.EncLat) == 0 || len(req.EncLon) == 0 || len(req.EncTimestamp) == 0 {
		return nil, status.Error(codes.InvalidArgument, "enc_lat, enc_lon and enc_timestamp are required")
	}
	id, err := s.eng.Submit(ctx, req.EncLat, req.EncLon, req.EncTimestamp, req.Hint.toGrid())
	if err != nil {
		return nil, mapError(err)
	}
	return &SubmitPointResponse{PointID: id}, nil
}

func (s *Server) GetPoint(ctx context.Context, req *GetPointRequest) (*GetPointResponse, error) {
	p, err := s.eng.GetPoint(ctx, req.PointID)
	if err != nil {
		return nil, mapError(err)
	}
	return toPointResponse(p), nil
}

func (s *Server) RangeQuery(ctx context.Context, req *RangeQueryRequest) (*RangeQueryResponse, error) {
	hash, err := s.eng.RangeQuery(ctx, req.CenterLat, req.CenterLon, req.Radius, req.StartTime, req.EndTime)
	if err != nil {
		return nil, mapError(err)
	}
	return &RangeQueryResponse{QueryHash: hash.String()}, nil
}

func (s *Server) NearestNeighbor(ctx context.Context, req *NearestNeighborRequest) (*NearestNeighborResponse, error) {
	hash, nearest, err := s.eng.NearestNeighbor(ctx, req.TargetLat, req.TargetLon)
	if err != nil {
		return nil, mapError(err)
	}
	return &NearestNeighborResponse{
		QueryHash:             hash.String(),
		EncNearestID:          nearest.EncID,
		EncMinDistance:        nearest.EncDistance,
		EncMinSquaredDistance: nearest.EncSquaredDistance,
	}, nil
}

func (s *Server) StoreResult(ctx context.Context, req *StoreResultRequest) (*StoreResultResponse, error) {
	hash, err := parseHash(req.QueryHash)
	if err != nil {
		return nil, err
	}
	if err := s.eng.StoreResult(ctx, hash, req.PointIDs, toCiphertexts(req.EncDistances)); err != nil {
		return nil, mapError(err)
	}
	return &StoreResultResponse{}, nil
}

func (s *Server) GetResult(ctx context.Context, req *GetResultRequest) (*GetResultResponse, error) {
	hash, err := parseHash(req.QueryHash)
	if err != nil {
		return nil, err
	}
	r, err := s.eng.GetResult(ctx, hash)
	if err != nil {
		return nil, mapError(err)
	}
	return toResultResponse(r), nil
}

func (s *Server) GetDecrypted(ctx context.Context, req *GetDecryptedRequest) (*GetDecryptedResponse, error) {
	hash, err := parseHash(req.QueryHash)
	if err != nil {
		return nil, err
	}
	d, err := s.eng.GetDecrypted(ctx, hash)
	if err != nil {
		return nil, mapError(err)
	}
	return toDecryptedResponse(d), nil
}

func (s *Server) RequestReveal(ctx context.Context, req *RequestRevealRequest) (*RequestRevealResponse, error) {
	hash, err := parseHash(req.QueryHash)
	if err != nil {
		return nil, err
	}
	id, err := s.eng.RequestReveal(ctx, hash)
	if err != nil {
		return nil, mapError(err)
	}
	return &RequestRevealResponse{RequestID: id}, nil
}

// RevealCallback is only reachable with an oracle token; see
// OracleAuthUnaryInterceptor.
func (s *Server) RevealCallback(ctx context.Context, req *RevealCallbackRequest) (*RevealCallbackResponse, error) {
	if req.RequestID == "" {
		return nil, status.Error(codes.InvalidArgument, "request_id is required")
	}
	if err := s.eng.OnRevealCallback(ctx, req.RequestID, req.Cleartext, req.Proof); err != nil {
		return nil, mapError(err)
	}
	return &RevealCallbackResponse{}, nil
}

func (s *Server) Stats(ctx context.Context, _ *StatsRequest) (*StatsResponse, error) {
	st, err := s.eng.Stats(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	return &StatsResponse{
		Points:     st.Points,
		Cells:      st.Cells,
		Pending:    st.Pending,
		Disclosure: s.eng.Disclosure().String(),
	}, nil
}

// GetPublicKey returns the encryption keys and value domain clients need to
// submit points.
func (s *Server) GetPublicKey(ctx context.Context, _ *GetPublicKeyRequest) (*GetPublicKeyResponse, error) {
	keys, err := s.eng.EvaluationKeys(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	return toKeysResponse(keys), nil
}

func parseHash(s string) (model.QueryHash, error) {
	h, err := model.ParseQueryHash(s)
	if err != nil {
		return h, status.Errorf(codes.InvalidArgument, "%v", err)
	}
	return h, nil
}

// mapError translates engine errors to gRPC status codes.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, errs.ErrNotFound):
		return status.Errorf(codes.NotFound, "%v", err)
	case errors.Is(err, errs.ErrInvalidArgument),
		errors.Is(err, errs.ErrLengthMismatch):
		return status.Errorf(codes.InvalidArgument, "%v", err)
	case errors.Is(err, errs.ErrQueryIncomplete),
		errors.Is(err, errs.ErrConfigMismatch):
		return status.Errorf(codes.FailedPrecondition, "%v", err)
	case errors.Is(err, errs.ErrAlreadyRevealed):
		return status.Errorf(codes.AlreadyExists, "%v", err)
	case errors.Is(err, errs.ErrRevealPending):
		return status.Errorf(codes.Aborted, "%v", err)
	case errors.Is(err, errs.ErrInvalidRequest):
		return status.Errorf(codes.NotFound, "%v", err)
	case errors.Is(err, errs.ErrProofVerificationFailed):
		return status.Errorf(codes.PermissionDenied, "%v", err)
	case errors.Is(err, oracle.ErrQueueFull):
		return status.Errorf(codes.ResourceExhausted, "%v", err)
	case errors.Is(err, oracle.ErrClosed):
		return status.Errorf(codes.Unavailable, "%v", err)
	case errors.Is(err, context.Canceled):
		return status.Errorf(codes.Canceled, "%v", err)
	case errors.Is(err, context.DeadlineExceeded):
		return status.Errorf(codes.DeadlineExceeded, "%v", err)
	default:
		return status.Errorf(codes.Internal, "%v", err)
	}
}
