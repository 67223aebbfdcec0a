package account

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"sessiongen.org/internal/auth"
	"sessiongen.org/internal/obs"
)

// ServiceName is the fully-qualified gRPC service exposed by the gateway sidecar.
// Requests and responses are google.protobuf.Struct messages.
const ServiceName = "sessiongen.gateway.v1.AccountGateway"

const (
	methodConnect       = "Connect"
	methodSendCode      = "SendCode"
	methodSignIn        = "SignIn"
	methodExportSession = "ExportSession"
	methodDisconnect    = "Disconnect"
)

// Gateway is a gRPC client for the account gateway. It is safe for concurrent use;
// every Connect yields an independent Conn.
type Gateway struct {
	conn            *grpc.ClientConn
	disconnectAfter time.Duration
}

// Dial creates a new client with sensible defaults (insecure transport).
func Dial(ctx context.Context, target string, opts ...grpc.DialOption) (*Gateway, error) {
	if len(opts) == 0 {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.DialContext(ctx, target, opts...)
	if err != nil {
		return nil, err
	}
	return NewGateway(conn), nil
}

// NewGateway wraps an existing client connection.
func NewGateway(conn *grpc.ClientConn) *Gateway {
	return &Gateway{conn: conn, disconnectAfter: 5 * time.Second}
}

// Close closes the underlying connection.
func (g *Gateway) Close() error {
	if g == nil || g.conn == nil {
		return nil
	}
	return g.conn.Close()
}

// Connect opens a remote connection bound to phone.
func (g *Gateway) Connect(ctx context.Context, phone string) (Conn, error) {
	out, err := g.invoke(ctx, methodConnect, map[string]any{"phone": phone})
	if err != nil {
		return nil, err
	}
	id := stringField(out, "connection_id")
	if id == "" {
		return nil, &RemoteError{Method: methodConnect, Message: "gateway returned no connection id", Kind: ErrUnavailable}
	}
	return &gatewayConn{gw: g, id: id}, nil
}

type gatewayConn struct {
	gw *Gateway
	id string
}

func (c *gatewayConn) RequestCode(ctx context.Context, phone string) (string, error) {
	out, err := c.gw.invoke(ctx, methodSendCode, map[string]any{
		"connection_id": c.id,
		"phone":         phone,
	})
	if err != nil {
		return "", err
	}
	handle := stringField(out, "phone_code_hash")
	if handle == "" {
		return "", &RemoteError{Method: methodSendCode, Message: "gateway returned no verification handle", Kind: ErrRejected}
	}
	return handle, nil
}

func (c *gatewayConn) SignIn(ctx context.Context, phone, code, handle string) error {
	_, err := c.gw.invoke(ctx, methodSignIn, map[string]any{
		"connection_id":   c.id,
		"phone":           phone,
		"code":            code,
		"phone_code_hash": handle,
	})
	return err
}

func (c *gatewayConn) ExportSession(ctx context.Context) ([]byte, error) {
	out, err := c.gw.invoke(ctx, methodExportSession, map[string]any{"connection_id": c.id})
	if err != nil {
		return nil, err
	}
	raw := stringField(out, "session")
	if raw == "" {
		return nil, ErrArtifactMissing
	}
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("account: decode session: %w", err)
	}
	if len(data) == 0 {
		return nil, ErrArtifactMissing
	}
	return data, nil
}

// Close disconnects on a fresh context so cleanup still runs after the caller's
// context was cancelled.
func (c *gatewayConn) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.gw.disconnectAfter)
	defer cancel()
	_, err := c.gw.invoke(ctx, methodDisconnect, map[string]any{"connection_id": c.id})
	return err
}

// Helpers -----------------------------------------------------------------

func (g *Gateway) invoke(ctx context.Context, method string, in map[string]any) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return nil, fmt.Errorf("account: encode %s: %w", method, err)
	}
	out := new(structpb.Struct)
	start := time.Now()
	err = g.conn.Invoke(outgoingWithIdentity(ctx), "/"+ServiceName+"/"+method, req, out)
	obs.ObserveRemoteCall(method, err, time.Since(start))
	if err != nil {
		return nil, mapGatewayError(method, err)
	}
	return out, nil
}

func outgoingWithIdentity(ctx context.Context) context.Context {
	pairs := []string{"x-request-id", uuid.NewString()}
	if requester, ok := auth.RequesterFromContext(ctx); ok {
		pairs = append(pairs, "x-sessiongen-requester", requester)
	}
	return metadata.AppendToOutgoingContext(ctx, pairs...)
}

func mapGatewayError(method string, err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	re := &RemoteError{Method: method, Message: strings.TrimSpace(st.Message())}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
		re.Kind = ErrUnavailable
	case codes.InvalidArgument:
		re.Kind = ErrRejected
		if method == methodSignIn {
			re.Kind = ErrCodeInvalid
		}
	case codes.Unauthenticated, codes.PermissionDenied:
		re.Kind = ErrCodeInvalid
	case codes.FailedPrecondition:
		re.Kind = ErrCodeExpired
	case codes.NotFound:
		re.Kind = ErrRejected
		if method == methodExportSession {
			re.Kind = ErrArtifactMissing
		}
	}
	return re
}

func stringField(s *structpb.Struct, key string) string {
	if s == nil {
		return ""
	}
	v, ok := s.GetFields()[key]
	if !ok {
		return ""
	}
	return strings.TrimSpace(v.GetStringValue())
}
