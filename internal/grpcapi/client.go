package grpcapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// Client is a typed client for stdb.v1.QueryEngine.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps a connection. Calls use the protobuf wire codec.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) invoke(ctx context.Context, method string, in, out any, opts ...grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.ForceCodec(wireCodec{})}, opts...)
	return c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...)
}

func (c *Client) SubmitPoint(ctx context.Context, req *SubmitPointRequest, opts ...grpc.CallOption) (*SubmitPointResponse, error) {
	out := new(SubmitPointResponse)
	if err := c.invoke(ctx, "SubmitPoint", req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetPoint(ctx context.Context, req *GetPointRequest, opts ...grpc.CallOption) (*GetPointResponse, error) {
	out := new(GetPointResponse)
	if err := c.invoke(ctx, "GetPoint", req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) RangeQuery(ctx context.Context, req *RangeQueryRequest, opts ...grpc.CallOption) (*RangeQueryResponse, error) {
	out := new(RangeQueryResponse)
	if err := c.invoke(ctx, "RangeQuery", req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) NearestNeighbor(ctx context.Context, req *NearestNeighborRequest, opts ...grpc.CallOption) (*NearestNeighborResponse, error) {
	out := new(NearestNeighborResponse)
	if err := c.invoke(ctx, "NearestNeighbor", req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) StoreResult(ctx context.Context, req *StoreResultRequest, opts ...grpc.CallOption) (*StoreResultResponse, error) {
	out := new(StoreResultResponse)
	if err := c.invoke(ctx, "StoreResult", req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetResult(ctx context.Context, req *GetResultRequest, opts ...grpc.CallOption) (*GetResultResponse, error) {
	out := new(GetResultResponse)
	if err := c.invoke(ctx, "GetResult", req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetDecrypted(ctx context.Context, req *GetDecryptedRequest, opts ...grpc.CallOption) (*GetDecryptedResponse, error) {
	out := new(GetDecryptedResponse)
	if err := c.invoke(ctx, "GetDecrypted", req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) RequestReveal(ctx context.Context, req *RequestRevealRequest, opts ...grpc.CallOption) (*RequestRevealResponse, error) {
	out := new(RequestRevealResponse)
	if err := c.invoke(ctx, "RequestReveal", req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// RevealCallback delivers an oracle answer using token as the bearer credential.
func (c *Client) RevealCallback(ctx context.Context, token string, req *RevealCallbackRequest, opts ...grpc.CallOption) (*RevealCallbackResponse, error) {
	ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
	out := new(RevealCallbackResponse)
	if err := c.invoke(ctx, "RevealCallback", req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Stats(ctx context.Context, opts ...grpc.CallOption) (*StatsResponse, error) {
	out := new(StatsResponse)
	if err := c.invoke(ctx, "Stats", &StatsRequest{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// GetPublicKey fetches the scheme's encryption keys and value domain.
func (c *Client) GetPublicKey(ctx context.Context, opts ...grpc.CallOption) (*GetPublicKeyResponse, error) {
	out := new(GetPublicKeyResponse)
	if err := c.invoke(ctx, "GetPublicKey", &GetPublicKeyRequest{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
