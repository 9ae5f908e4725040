package grpc

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/common"
	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/server/models"
)

const serviceName = "exposure.ingestion.v1.BatchFeed"

// BatchFeedServer is what the distribution service calls.
type BatchFeedServer interface {
	ListBatches(context.Context, *ListBatchesRequest) (*ListBatchesResponse, error)
	GetBatch(context.Context, *GetBatchRequest) (*GetBatchResponse, error)
	GetBatchContent(context.Context, *GetBatchRequest) (*GetBatchContentResponse, error)
}

func unaryHandler[Req any](call func(srv BatchFeedServer, ctx context.Context, req *Req) (any, error), method string) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(BatchFeedServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/" + method}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(srv.(BatchFeedServer), ctx, req.(*Req))
		})
	}
}

var batchFeedServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*BatchFeedServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "ListBatches",
			Handler: unaryHandler(func(s BatchFeedServer, ctx context.Context, r *ListBatchesRequest) (any, error) {
				return s.ListBatches(ctx, r)
			}, "ListBatches"),
		},
		{
			MethodName: "GetBatch",
			Handler: unaryHandler(func(s BatchFeedServer, ctx context.Context, r *GetBatchRequest) (any, error) {
				return s.GetBatch(ctx, r)
			}, "GetBatch"),
		},
		{
			MethodName: "GetBatchContent",
			Handler: unaryHandler(func(s BatchFeedServer, ctx context.Context, r *GetBatchRequest) (any, error) {
				return s.GetBatchContent(ctx, r)
			}, "GetBatchContent"),
		},
	},
	Metadata: "exposure/ingestion/v1/batch_feed",
}

// RegisterBatchFeedServer registers srv on s.
func RegisterBatchFeedServer(s grpc.ServiceRegistrar, srv BatchFeedServer) {
	s.RegisterService(&batchFeedServiceDesc, srv)
}

func (s *GRPCServer) ListBatches(ctx context.Context, req *ListBatchesRequest) (*ListBatchesResponse, error) {
	entries, err := s.feed.ListBatches(ctx, req.AfterID, req.Limit)
	if err != nil {
		return nil, s.toStatus(ctx, "ListBatches", err)
	}
	if entries == nil {
		entries = []models.IndexEntry{}
	}
	return &ListBatchesResponse{Batches: entries}, nil
}

func (s *GRPCServer) GetBatch(ctx context.Context, req *GetBatchRequest) (*GetBatchResponse, error) {
	b, keys, err := s.feed.GetBatch(ctx, req.BatchID)
	if err != nil {
		return nil, s.toStatus(ctx, "GetBatch", err)
	}
	resp := &GetBatchResponse{Batch: batchInfo(b), Keys: make([]Key, len(keys))}
	for i, k := range keys {
		resp.Keys[i] = Key{KeyData: k.KeyData, RollingPeriod: k.RollingPeriod, RiskLevel: k.RiskLevel}
	}
	return resp, nil
}

func (s *GRPCServer) GetBatchContent(ctx context.Context, req *GetBatchRequest) (*GetBatchContentResponse, error) {
	b, content, err := s.feed.GetBatchContent(ctx, req.BatchID)
	if err != nil {
		return nil, s.toStatus(ctx, "GetBatchContent", err)
	}
	return &GetBatchContentResponse{Batch: batchInfo(b), Content: content}, nil
}

func (s *GRPCServer) toStatus(ctx context.Context, method string, err error) error {
	switch {
	case errors.Is(err, common.ErrorNotFound):
		return status.Error(codes.NotFound, "batch not found")
	case errors.Is(err, common.ErrInvariantViolation):
		s.logger.Error(ctx, "batch feed invariant violation", "method", method, "error", err)
		return status.Error(codes.DataLoss, "batch content does not match its digest")
	case errors.Is(err, common.ErrStorageUnavailable):
		s.logger.Warn(ctx, "batch feed storage unavailable", "method", method, "error", err)
		return status.Error(codes.Unavailable, "storage unavailable")
	default:
		s.logger.Error(ctx, "batch feed failed", "method", method, "error", err)
		return status.Error(codes.Internal, "internal error")
	}
}
