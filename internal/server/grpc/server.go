// Package grpc exposes the published batches to the distribution service.
// Messages are JSON encoded; clients must use the "json" content subtype.
package grpc

import (
	"context"
	"net"

	"google.golang.org/grpc"

	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/logging"
	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/server/models"
)

// feedAPI is the part of the feed service the server uses.
type feedAPI interface {
	ListBatches(ctx context.Context, afterID uint64, limit int) ([]models.IndexEntry, error)
	GetBatch(ctx context.Context, batchID uint64) (*models.Batch, []models.DiagnosisKey, error)
	GetBatchContent(ctx context.Context, batchID uint64) (*models.Batch, []byte, error)
}

type GRPCServer struct {
	address   string
	feed      feedAPI
	logger    logging.Logger
	jwtSecret []byte
}

func NewGRPCServer(a string, l logging.Logger, feed feedAPI, secretKey string) *GRPCServer {
	return &GRPCServer{
		address:   a,
		logger:    l.With("module", "grpc_server"),
		feed:      feed,
		jwtSecret: []byte(secretKey),
	}
}

func (s *GRPCServer) newServer() *grpc.Server {
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(s.accessTokenInterceptor))
	RegisterBatchFeedServer(srv, s)
	return srv
}

func (s *GRPCServer) Run(ctx context.Context) error {

	// announces address
	listen, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}
	return s.serve(ctx, listen)
}

func (s *GRPCServer) serve(ctx context.Context, listen net.Listener) error {
	srv := s.newServer()

	go func() {
		<-ctx.Done()
		s.logger.Info(ctx, "Stopping gRPC server...")
		srv.GracefulStop()
	}()

	s.logger.Info(ctx, "Starting gRPC server", "address", listen.Addr().String())

	// starts accepting incoming connections
	if err := srv.Serve(listen); err != nil {
		return err
	}

	return nil
}
