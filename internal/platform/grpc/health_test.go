package grpc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	server "github.com/louisbranch/racetrack/internal/services/racetrack/app"
)

// healthFixture is an in-process health server with per-service statuses.
type healthFixture struct {
	addr   string
	health *health.Server
}

func newHealthFixture(t *testing.T, statuses map[string]grpc_health_v1.HealthCheckResponse_ServingStatus) *healthFixture {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := gogrpc.NewServer()
	hs := health.NewServer()
	grpc_health_v1.RegisterHealthServer(srv, hs)
	for service, status := range statuses {
		hs.SetServingStatus(service, status)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(listener)
	}()
	t.Cleanup(func() {
		srv.Stop()
		<-done
	})
	return &healthFixture{addr: listener.Addr().String(), health: hs}
}

func (f *healthFixture) dial(t *testing.T) *gogrpc.ClientConn {
	t.Helper()
	conn, err := gogrpc.NewClient(f.addr, gogrpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial health fixture: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestWaitForHealthRaceControl(t *testing.T) {
	const (
		serving    = grpc_health_v1.HealthCheckResponse_SERVING
		notServing = grpc_health_v1.HealthCheckResponse_NOT_SERVING
	)
	tests := []struct {
		name     string
		statuses map[string]grpc_health_v1.HealthCheckResponse_ServingStatus
		wantErr  bool
	}{
		{
			name:     "race control serving",
			statuses: map[string]grpc_health_v1.HealthCheckResponse_ServingStatus{"": serving, server.HealthService: serving},
		},
		{
			name:     "process up but race control not serving",
			statuses: map[string]grpc_health_v1.HealthCheckResponse_ServingStatus{"": serving, server.HealthService: notServing},
			wantErr:  true,
		},
		{
			name:     "race control not registered",
			statuses: map[string]grpc_health_v1.HealthCheckResponse_ServingStatus{"": serving},
			wantErr:  true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			conn := newHealthFixture(t, tc.statuses).dial(t)
			ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
			defer cancel()

			err := WaitForHealth(ctx, conn, server.HealthService, zerolog.Nop())
			if tc.wantErr && err == nil {
				t.Fatal("expected wait to time out")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("wait for race control: %v", err)
			}
		})
	}
}

func TestWaitForHealthRaceControlComesUp(t *testing.T) {
	fixture := newHealthFixture(t, map[string]grpc_health_v1.HealthCheckResponse_ServingStatus{
		server.HealthService: grpc_health_v1.HealthCheckResponse_NOT_SERVING,
	})
	conn := fixture.dial(t)

	go func() {
		time.Sleep(150 * time.Millisecond)
		fixture.health.SetServingStatus(server.HealthService, grpc_health_v1.HealthCheckResponse_SERVING)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := WaitForHealth(ctx, conn, server.HealthService, zerolog.Nop()); err != nil {
		t.Fatalf("wait for race control after transition: %v", err)
	}
}

func TestWaitForHealthStopsWhenRaceControlGoesAway(t *testing.T) {
	fixture := newHealthFixture(t, map[string]grpc_health_v1.HealthCheckResponse_ServingStatus{
		server.HealthService: grpc_health_v1.HealthCheckResponse_SERVING,
	})
	conn := fixture.dial(t)
	fixture.health.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 400*time.Millisecond)
	defer cancel()
	if err := WaitForHealth(ctx, conn, server.HealthService, zerolog.Nop()); err == nil {
		t.Fatal("expected shut down health server to keep the wait pending")
	}
}

func TestWaitForHealthNilConn(t *testing.T) {
	if err := WaitForHealth(context.Background(), nil, server.HealthService, zerolog.Nop()); err == nil {
		t.Fatal("expected error for nil connection")
	}
}
