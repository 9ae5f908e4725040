package server

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/logging"
	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/server/config"
)

func memoryConfig() *config.Config {
	var c config.Config
	c.LoadDefaults()
	c.StorageBackend = config.BackendMemory
	c.TokenBackend = config.BackendMemory
	c.BlobBackend = config.BackendMemory
	c.EndpointAddrHTTP = "127.0.0.1:0"
	c.EndpointAddrGRPC = "127.0.0.1:0"
	return &c
}

func TestNewApp_MemoryBackends(t *testing.T) {
	c := memoryConfig()
	require.NoError(t, c.Validate())

	app, err := NewApp(context.Background(), c, logging.Nop{})
	require.NoError(t, err)
	assert.Nil(t, app.db)
	assert.NotNil(t, app.ingestion)
	assert.NotNil(t, app.cutter)
	assert.NotNil(t, app.feed)
}

func TestNewApp_DBOpenError(t *testing.T) {
	orig := openDB
	t.Cleanup(func() { openDB = orig })
	openDB = func(string) (*sql.DB, error) { return nil, errors.New("no driver") }

	c := memoryConfig()
	c.StorageBackend = config.BackendPostgres

	_, err := NewApp(context.Background(), c, logging.Nop{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no driver")
}

func TestNewApp_BadSigningKey(t *testing.T) {
	c := memoryConfig()
	c.Export.SigningKeyPath = t.TempDir() + "/missing.pem"

	_, err := NewApp(context.Background(), c, logging.Nop{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "signing key")
}

func TestApp_RunStopsOnCancel(t *testing.T) {
	app, err := NewApp(context.Background(), memoryConfig(), logging.Nop{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("app did not stop")
	}
}

func TestApp_RunFailsOnBadSchedule(t *testing.T) {
	c := memoryConfig()
	c.Cutter.Schedule = "whenever"
	app, err := NewApp(context.Background(), c, logging.Nop{})
	require.NoError(t, err)

	err = app.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch_cutter")
}
