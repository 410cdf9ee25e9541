package control

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/frobware/go-wblink/radiotap"
)

// Client calls a control server.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to address: a unix socket path, a unix:// URL or
// host:port. Extra options are appended after insecure transport
// credentials.
func Dial(address string, opts ...grpc.DialOption) (*Client, error) {
	target := parseAddress(address)
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", target, err)
	}
	return &Client{conn: conn}, nil
}

func parseAddress(address string) string {
	if strings.HasPrefix(address, "/") {
		return "unix://" + address
	}
	return address
}

// Close releases the connection.
func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	return c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, req, resp)
}

// GetRadiotap returns the link's transmit parameters.
func (c *Client) GetRadiotap(ctx context.Context) (radiotap.Params, error) {
	resp := &structpb.Struct{}
	if err := c.invoke(ctx, "GetRadiotap", &emptypb.Empty{}, resp); err != nil {
		return radiotap.Params{}, err
	}
	return ParamsFromStruct(resp)
}

// SetRadiotap changes the named fields and returns the parameters now
// in effect. Field names are the Field constants.
func (c *Client) SetRadiotap(ctx context.Context, fields map[string]any) (radiotap.Params, error) {
	req, err := structpb.NewStruct(fields)
	if err != nil {
		return radiotap.Params{}, err
	}
	resp := &structpb.Struct{}
	if err := c.invoke(ctx, "SetRadiotap", req, resp); err != nil {
		return radiotap.Params{}, err
	}
	return ParamsFromStruct(resp)
}

// Stats returns the link counters in their JSON shape.
func (c *Client) Stats(ctx context.Context) (map[string]any, error) {
	resp := &structpb.Struct{}
	if err := c.invoke(ctx, "GetStats", &emptypb.Empty{}, resp); err != nil {
		return nil, err
	}
	return resp.AsMap(), nil
}

// RotateKey asks the link to replace its transmit session key.
func (c *Client) RotateKey(ctx context.Context) error {
	return c.invoke(ctx, "RotateKey", &emptypb.Empty{}, &emptypb.Empty{})
}
