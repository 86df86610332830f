package server

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/2389/tether/internal/client"
	"github.com/2389/tether/internal/config"
	"github.com/2389/tether/internal/signaling"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	// Find available ports
	grpcListener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find available gRPC port: %v", err)
	}
	grpcAddr := grpcListener.Addr().String()
	grpcListener.Close()

	httpListener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find available HTTP port: %v", err)
	}
	httpAddr := httpListener.Addr().String()
	httpListener.Close()

	cfg := config.Default(t.TempDir(), testSecret)
	cfg.Server.HTTPAddr = httpAddr
	cfg.Server.GRPCAddr = grpcAddr
	cfg.Server.PublicURL = "http://" + httpAddr
	cfg.Discovery.Enabled = false
	return cfg
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestServerNew(t *testing.T) {
	cfg := testConfig(t)

	srv, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer srv.Shutdown(context.Background())

	if srv.config != cfg {
		t.Error("server config mismatch")
	}
	if srv.Identity().DeviceID == "" {
		t.Error("device id should be derived")
	}
	if srv.discovery != nil {
		t.Error("discovery should be nil when disabled")
	}

	// The local device is registered so peers can be resolved against it.
	d, err := srv.store.GetDevice(context.Background(), srv.Identity().DeviceID)
	if err != nil {
		t.Fatalf("GetDevice() failed: %v", err)
	}
	if d.PublicKey != srv.Identity().PublicKey {
		t.Error("registered public key mismatch")
	}
}

func TestServerNewStableIdentity(t *testing.T) {
	cfg := testConfig(t)

	first, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	id := first.Identity()
	if err := first.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() failed: %v", err)
	}

	second, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("second New() failed: %v", err)
	}
	defer second.Shutdown(context.Background())

	if second.Identity().DeviceID != id.DeviceID {
		t.Errorf("device id changed across restarts: %s != %s", second.Identity().DeviceID, id.DeviceID)
	}
	if second.Identity().PublicKey != id.PublicKey {
		t.Error("public key changed across restarts")
	}
}

func TestServerRunAndShutdown(t *testing.T) {
	cfg := testConfig(t)

	srv, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() {
		done <- srv.Run(ctx)
	}()

	waitForHealth(t, "http://"+cfg.Server.HTTPAddr)

	var tok TokenResponse
	c := client.New(cfg.Server.PublicURL)
	if err := c.Post(t.Context(), "/api/pair/token", nil, &tok); err != nil {
		t.Fatalf("issuing token failed: %v", err)
	}
	if tok.Payload.RedeemEndpoint != cfg.Server.PublicURL+"/api/pair/redeem" {
		t.Errorf("redeem endpoint = %q", tok.Payload.RedeemEndpoint)
	}

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() returned error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func TestServerRunFailsOnBusyPort(t *testing.T) {
	cfg := testConfig(t)

	busy, err := net.Listen("tcp", cfg.Server.HTTPAddr)
	if err != nil {
		t.Fatalf("failed to occupy port: %v", err)
	}
	defer busy.Close()

	srv, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer srv.Shutdown(context.Background())

	if err := srv.Run(t.Context()); err == nil {
		t.Error("Run() should fail when the HTTP port is taken")
	}
}

func TestSignalingOverGRPC(t *testing.T) {
	cfg := testConfig(t)

	srv, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	go func() {
		_ = srv.Run(ctx)
	}()
	waitForHealth(t, "http://"+cfg.Server.HTTPAddr)

	conn, err := grpc.NewClient(
		cfg.Server.GRPCAddr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close()

	// Loopback callers watch without a bearer token.
	stream, err := signaling.Watch(ctx, conn, signaling.EventPairingFailed)
	if err != nil {
		t.Fatalf("Watch() failed: %v", err)
	}

	// Publish until the subscription is registered on the server side.
	received := make(chan signaling.Event, 1)
	go func() {
		ev, err := stream.Recv()
		if err == nil {
			received <- ev
		}
	}()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case ev := <-received:
			if ev.Type != signaling.EventPairingFailed {
				t.Errorf("event type = %s", ev.Type)
			}
			if ev.Field("reason") != "expired" {
				t.Errorf("reason = %q", ev.Field("reason"))
			}
			return
		case <-tick.C:
			srv.Events().Publish(signaling.PairingFailed("tok", "expired"))
		case <-deadline:
			t.Fatal("no event received over gRPC")
		}
	}
}

func waitForHealth(t *testing.T, baseURL string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(baseURL + "/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("server at %s did not become healthy", baseURL)
}
