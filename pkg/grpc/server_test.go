package grpc

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/storefront/pkg/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

const bufSize = 1024 * 1024

type switchPinger struct {
	down atomic.Bool
}

func (p *switchPinger) Ping(context.Context) error {
	if p.down.Load() {
		return errors.New("database unreachable")
	}
	return nil
}

func startServer(t *testing.T, pinger Pinger) (*HealthServer, grpc.DialOption) {
	t.Helper()
	lis := bufconn.Listen(bufSize)
	srv := NewHealthServer("storefront", pinger, zap.NewNop())
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	dialer := grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	})
	return srv, dialer
}

func TestHealthServer_FollowsPinger(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pinger := &switchPinger{}
	srv, dialer := startServer(t, pinger)

	st, err := CheckHealth(ctx, "passthrough:///bufnet", "storefront", dialer)
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, st)

	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, srv.Check(ctx))
	st, err = CheckHealth(ctx, "passthrough:///bufnet", "storefront", dialer)
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, st)

	pinger.down.Store(true)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, srv.Check(ctx))
	st, err = CheckHealth(ctx, "passthrough:///bufnet", "", dialer)
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, st)
}

func TestCheckHealth_UnknownService(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, dialer := startServer(t, &switchPinger{})

	_, err := CheckHealth(ctx, "passthrough:///bufnet", "inventory", dialer)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "health check failed")
}

func TestAppErrorsCarryGRPCCodes(t *testing.T) {
	tests := []struct {
		err  error
		code codes.Code
	}{
		{apperr.NotFound("order %s not found", "ORD-1"), codes.NotFound},
		{apperr.Unauthorized("cart belongs to another user"), codes.PermissionDenied},
		{apperr.InsufficientStock(1, "Mug", 2, 1), codes.FailedPrecondition},
		{apperr.EmptyCart(), codes.FailedPrecondition},
		{apperr.MissingField("phone"), codes.InvalidArgument},
		{apperr.Conflict(nil, "order number taken"), codes.Aborted},
		{errors.New("boom"), codes.Unknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, status.Code(tt.err), tt.err.Error())
	}
}
