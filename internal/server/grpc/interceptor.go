package grpc

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/common"
	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/server/auth"
)

type ctxKey string

const subjectKey ctxKey = "subject"

// accessTokenInterceptor admits only callers holding a distributor token.
func (s *GRPCServer) accessTokenInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	var accessToken string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		values := md.Get(common.AccessTokenHeaderName)
		if len(values) > 0 {
			accessToken = values[0]
		}
	}
	if len(accessToken) == 0 {
		return nil, status.Error(codes.Unauthenticated, "missing token")
	}

	claims, err := auth.Authorize(accessToken, s.jwtSecret, auth.RoleDistributor)
	if errors.Is(err, common.ErrorUnauthorized) {
		return nil, status.Error(codes.PermissionDenied, "forbidden")
	}
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, "invalid token")
	}

	ctx = context.WithValue(ctx, subjectKey, claims.Subject)
	return handler(ctx, req)
}
