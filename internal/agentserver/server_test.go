/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package agentserver

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

func startHealthBackend(t *testing.T, status grpc_health_v1.HealthCheckResponse_ServingStatus) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	srv := grpc.NewServer()
	hs := health.NewServer()
	hs.SetServingStatus("", status)
	grpc_health_v1.RegisterHealthServer(srv, hs)

	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	return lis.Addr().String()
}

func freePort(t *testing.T) int {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	defer lis.Close()
	return lis.Addr().(*net.TCPAddr).Port
}

func TestServerServesEndToEndProbe(t *testing.T) {
	backendAddr := startHealthBackend(t, grpc_health_v1.HealthCheckResponse_SERVING)
	host, portStr, err := net.SplitHostPort(backendAddr)
	if err != nil {
		t.Fatalf("split backend addr: %v", err)
	}

	port := freePort(t)
	srv := New(Config{
		Bind:            "127.0.0.1",
		Port:            port,
		ConnectTimeout:  2 * time.Second,
		RPCTimeout:      2 * time.Second,
		MaxLineBytes:    8192,
		GracefulTimeout: time.Second,
	}, logr.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- srv.ListenAndServe(ctx) }()

	var conn net.Conn
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("dial agent-check listener: %v", err)
	}
	defer conn.Close()

	request := host + " " + portStr + " no-ssl " + host + "\n"
	if _, err := conn.Write([]byte(request)); err != nil {
		t.Fatalf("write request: %v", err)
	}

	reader := bufio.NewReader(conn)
	resp, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if resp != "up\n" {
		t.Errorf("response = %q, want %q", resp, "up\n")
	}

	if n := srv.ChannelCacheSize(); n != 1 {
		t.Errorf("ChannelCacheSize() = %d, want 1", n)
	}

	cancel()
	select {
	case err := <-serveErrCh:
		if err != nil {
			t.Errorf("ListenAndServe returned error after shutdown: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("ListenAndServe did not return after context cancellation")
	}
}

func TestListenAndServeReturnsErrorOnBindFailure(t *testing.T) {
	port := freePort(t)
	blocker, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	defer blocker.Close()

	srv := New(Config{
		Bind:            "127.0.0.1",
		Port:            port,
		ConnectTimeout:  time.Second,
		RPCTimeout:      time.Second,
		MaxLineBytes:    8192,
		GracefulTimeout: time.Second,
	}, logr.Discard())

	err = srv.ListenAndServe(context.Background())
	if err == nil {
		t.Fatal("ListenAndServe() = nil, want an error when the port is already bound")
	}
}

func TestApplyLiveConfigUpdatesSubsequentConnections(t *testing.T) {
	backendAddr := startHealthBackend(t, grpc_health_v1.HealthCheckResponse_SERVING)
	host, portStr, err := net.SplitHostPort(backendAddr)
	if err != nil {
		t.Fatalf("split backend addr: %v", err)
	}

	port := freePort(t)
	srv := New(Config{
		Bind:            "127.0.0.1",
		Port:            port,
		ConnectTimeout:  2 * time.Second,
		RPCTimeout:      2 * time.Second,
		MaxLineBytes:    8192,
		GracefulTimeout: time.Second,
	}, logr.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- srv.ListenAndServe(ctx) }()

	var conn net.Conn
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("dial agent-check listener: %v", err)
	}
	conn.Close()

	srv.ApplyLiveConfig(5*time.Second, 5*time.Second, 4096)
	got := srv.handlerConfig()
	if got.ConnectTimeout != 5*time.Second || got.RPCTimeout != 5*time.Second || got.MaxLineBytes != 4096 {
		t.Errorf("handlerConfig() after ApplyLiveConfig = %+v, want updated timeouts/maxLineBytes", got)
	}

	// A connection accepted after the live update should use the new
	// values; the probe itself still succeeds against the same backend.
	conn, err = net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		t.Fatalf("dial agent-check listener after reload: %v", err)
	}
	defer conn.Close()

	request := host + " " + portStr + " no-ssl " + host + "\n"
	if _, err := conn.Write([]byte(request)); err != nil {
		t.Fatalf("write request: %v", err)
	}
	reader := bufio.NewReader(conn)
	resp, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if resp != "up\n" {
		t.Errorf("response = %q, want %q", resp, "up\n")
	}

	cancel()
	<-serveErrCh
}

