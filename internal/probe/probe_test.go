package probe

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

type switchChecker struct {
	mu  sync.Mutex
	err error
}

func (c *switchChecker) Health(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *switchChecker) set(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

func TestProbeReflectsBackendHealth(t *testing.T) {
	checker := &switchChecker{err: errors.New("connection refused")}
	srv := New(Config{Interval: 20 * time.Millisecond, Timeout: time.Second}, checker, nil)

	lis := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, lis) }()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Serve returned %v", err)
		}
	}()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	waitStatus := func(service string, want healthpb.HealthCheckResponse_ServingStatus) {
		t.Helper()
		deadline := time.Now().Add(3 * time.Second)
		for time.Now().Before(deadline) {
			resp, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
			if err == nil && resp.GetStatus() == want {
				return
			}
			time.Sleep(20 * time.Millisecond)
		}
		t.Fatalf("service %q never reached %v", service, want)
	}

	waitStatus(BackendService, healthpb.HealthCheckResponse_NOT_SERVING)
	checker.set(nil)
	waitStatus(BackendService, healthpb.HealthCheckResponse_SERVING)
	waitStatus("", healthpb.HealthCheckResponse_SERVING)
}

func TestCheckReturnsStatus(t *testing.T) {
	checker := &switchChecker{}
	srv := New(Config{}, checker, nil)
	if !srv.Check(context.Background()) {
		t.Fatal("expected a healthy backend to report serving")
	}
	checker.set(errors.New("boom"))
	if srv.Check(context.Background()) {
		t.Fatal("expected an unhealthy backend to report not serving")
	}
}
