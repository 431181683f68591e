package interceptors

import (
	"context"
	"errors"
	"net"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

const checkMethod = "/grpc.health.v1.Health/Check"

func TestLoggingUnary(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	interceptor := LoggingUnary(zap.New(core), map[string]bool{checkMethod: true})

	ok := func(ctx context.Context, req interface{}) (interface{}, error) { return "resp", nil }
	fail := func(ctx context.Context, req interface{}) (interface{}, error) {
		return nil, status.Error(codes.Unavailable, "down")
	}

	if _, err := interceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: checkMethod}, ok); err != nil {
		t.Fatal(err)
	}
	if logs.Len() != 0 {
		t.Errorf("skipped method logged %d entries", logs.Len())
	}

	resp, err := interceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/svc/Ok"}, ok)
	if err != nil || resp != "resp" {
		t.Fatalf("resp, err = %v, %v", resp, err)
	}
	if _, err := interceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/svc/Fail"}, fail); status.Code(err) != codes.Unavailable {
		t.Fatalf("code = %v, want Unavailable", status.Code(err))
	}

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("got %d log entries, want 2", len(entries))
	}
	if entries[0].Level != zap.DebugLevel || entries[1].Level != zap.WarnLevel {
		t.Errorf("levels = %v, %v; want debug, warn", entries[0].Level, entries[1].Level)
	}
	if got := entries[1].ContextMap()["code"]; got != "Unavailable" {
		t.Errorf("code field = %v, want Unavailable", got)
	}
}

func TestRecoverUnary(t *testing.T) {
	interceptor := RecoverUnary(nil)
	_, err := interceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/svc/Boom"},
		func(ctx context.Context, req interface{}) (interface{}, error) { panic("boom") })
	if status.Code(err) != codes.Internal {
		t.Errorf("code = %v, want Internal", status.Code(err))
	}

	want := errors.New("plain")
	_, err = interceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/svc/Err"},
		func(ctx context.Context, req interface{}) (interface{}, error) { return nil, want })
	if !errors.Is(err, want) {
		t.Errorf("err = %v, want %v", err, want)
	}
}

func TestClientIP(t *testing.T) {
	if got := ClientIP(context.Background()); got != "unknown" {
		t.Errorf("ClientIP(no peer) = %q, want unknown", got)
	}
	ctx := peer.NewContext(context.Background(), &peer.Peer{Addr: &net.TCPAddr{IP: net.ParseIP("10.0.0.7"), Port: 5555}})
	if got := ClientIP(ctx); got != "10.0.0.7" {
		t.Errorf("ClientIP = %q, want 10.0.0.7", got)
	}
}
