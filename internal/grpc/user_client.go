package grpc

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	areFriendsMethod = "/user.UserInternal/AreFriends"
	getUserMethod    = "/user.UserInternal/GetUser"

	defaultLanguage = "en"
)

var ErrUserNotFound = errors.New("user not found")

// User is the subset of the user profile the messaging service needs.
type User struct {
	ID       int64
	Username string
	Language string
}

// UserClient wraps the user-service gRPC client.
type UserClient struct {
	conn grpc.ClientConnInterface
}

// NewUserClient constructs the wrapper.
func NewUserClient(conn grpc.ClientConnInterface) *UserClient {
	return &UserClient{conn: conn}
}

// AreFriends verifies friendship between two users.
func (u *UserClient) AreFriends(ctx context.Context, userID, friendID int64) (bool, error) {
	req, err := structpb.NewStruct(map[string]any{"user_id": userID, "friend_id": friendID})
	if err != nil {
		return false, err
	}
	resp := &structpb.Struct{}
	if err := u.conn.Invoke(ctx, areFriendsMethod, req, resp); err != nil {
		return false, err
	}
	return resp.GetFields()["are_friends"].GetBoolValue(), nil
}

// GetUser retrieves user details. Users without a stored language default to English.
func (u *UserClient) GetUser(ctx context.Context, userID int64) (User, error) {
	req, err := structpb.NewStruct(map[string]any{"user_id": userID})
	if err != nil {
		return User{}, err
	}
	resp := &structpb.Struct{}
	if err := u.conn.Invoke(ctx, getUserMethod, req, resp); err != nil {
		return User{}, err
	}

	fields := resp.GetFields()
	id := int64(fields["id"].GetNumberValue())
	if id == 0 {
		return User{}, ErrUserNotFound
	}
	language := fields["language"].GetStringValue()
	if language == "" {
		language = defaultLanguage
	}
	return User{
		ID:       id,
		Username: fields["username"].GetStringValue(),
		Language: language,
	}, nil
}
