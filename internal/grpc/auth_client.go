package grpc

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const validateTokenMethod = "/auth.AuthService/ValidateToken"

var ErrInvalidToken = errors.New("invalid token")

// AuthClient wraps the auth-service gRPC client.
type AuthClient struct {
	conn grpc.ClientConnInterface
}

// NewAuthClient constructs the wrapper.
func NewAuthClient(conn grpc.ClientConnInterface) *AuthClient {
	return &AuthClient{conn: conn}
}

// ValidateToken verifies the JWT and returns the authenticated user id.
func (a *AuthClient) ValidateToken(ctx context.Context, token string) (int64, error) {
	if token == "" {
		return 0, ErrInvalidToken
	}
	req, err := structpb.NewStruct(map[string]any{"token": token})
	if err != nil {
		return 0, err
	}
	resp := &structpb.Struct{}
	if err := a.conn.Invoke(ctx, validateTokenMethod, req, resp); err != nil {
		return 0, err
	}

	fields := resp.GetFields()
	if !fields["valid"].GetBoolValue() {
		return 0, ErrInvalidToken
	}
	userID := int64(fields["user_id"].GetNumberValue())
	if userID == 0 {
		return 0, ErrInvalidToken
	}
	return userID, nil
}
