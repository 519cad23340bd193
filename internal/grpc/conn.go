// Package grpc holds the clients for the auth and user services. Requests and replies travel
// as google.protobuf.Struct messages over the services' method paths, so the peers must accept
// Struct payloads with the field names used here rather than their own typed messages.
package grpc

import (
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"messaging-service/internal/observability"
)

// Dial opens an instrumented client connection to a peer service.
func Dial(addr string) (*grpc.ClientConn, error) {
	return grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		grpc.WithUnaryInterceptor(observability.GRPCClientMetricsUnaryInterceptor()),
	)
}
