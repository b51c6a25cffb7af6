package api

import (
	"context"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tangramdotdev/tangram/pkg/metrics"
)

// MetricsInterceptor records a request count and duration per RPC
// method, mirroring the teacher's interceptor.go but recording
// Prometheus metrics instead of enforcing a read-only policy (tangram
// has no unauthenticated local-socket listener to restrict the way
// Warren's ReadOnlyInterceptor did).
func MetricsInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		method := methodName(info.FullMethod)
		st := "ok"
		if err != nil {
			st = status.Code(err).String()
		}
		metrics.APIRequestsTotal.WithLabelValues(method, st).Inc()
		metrics.APIRequestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
		return resp, err
	}
}

func methodName(fullMethod string) string {
	parts := strings.Split(fullMethod, "/")
	return parts[len(parts)-1]
}

func notFound(msg string) error {
	return status.Error(codes.NotFound, msg)
}

func invalidArgument(msg string) error {
	return status.Error(codes.InvalidArgument, msg)
}

func internal(msg string) error {
	return status.Error(codes.Internal, msg)
}
