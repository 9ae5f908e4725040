package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/common"
)

// feedClient calls the batch feed with a fixed access token, the way a
// distributor does.
type feedClient struct {
	conn        grpc.ClientConnInterface
	accessToken string
}

func newFeedClient(conn grpc.ClientConnInterface, accessToken string) *feedClient {
	return &feedClient{conn: conn, accessToken: accessToken}
}

func (c *feedClient) invoke(ctx context.Context, method string, in, out any) error {
	ctx = metadata.AppendToOutgoingContext(ctx, common.AccessTokenHeaderName, c.accessToken)
	return c.conn.Invoke(ctx, "/"+serviceName+"/"+method, in, out, grpc.CallContentSubtype(codecName))
}

func (c *feedClient) ListBatches(ctx context.Context, afterID uint64, limit int) (*ListBatchesResponse, error) {
	out := new(ListBatchesResponse)
	if err := c.invoke(ctx, "ListBatches", &ListBatchesRequest{AfterID: afterID, Limit: limit}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *feedClient) GetBatch(ctx context.Context, batchID uint64) (*GetBatchResponse, error) {
	out := new(GetBatchResponse)
	if err := c.invoke(ctx, "GetBatch", &GetBatchRequest{BatchID: batchID}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *feedClient) GetBatchContent(ctx context.Context, batchID uint64) (*GetBatchContentResponse, error) {
	out := new(GetBatchContentResponse)
	if err := c.invoke(ctx, "GetBatchContent", &GetBatchRequest{BatchID: batchID}, out); err != nil {
		return nil, err
	}
	return out, nil
}
