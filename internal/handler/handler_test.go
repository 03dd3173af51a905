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

package handler

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/go-logr/logr"

	"github.com/beskarlabs/agentcheck-bridge/internal/protocol"
)

// fakeProber lets handler tests exercise the read/parse/respond loop
// without standing up a real gRPC backend.
type fakeProber struct {
	status protocol.Status
	calls  int
}

func (f *fakeProber) Probe(ctx context.Context, req protocol.Request, log logr.Logger, connectTimeout time.Duration) protocol.Status {
	f.calls++
	return f.status
}

func pipeConn() (client net.Conn, server net.Conn) {
	return net.Pipe()
}

func TestHandleServesValidRequest(t *testing.T) {
	client, server := pipeConn()
	p := &fakeProber{status: protocol.Up}
	cfg := Config{ConnectTimeout: time.Second, RPCTimeout: time.Second, MaxLineBytes: 8192}

	done := make(chan struct{})
	go func() {
		Handle(context.Background(), server, p, cfg, logr.Discard())
		close(done)
	}()

	if _, err := client.Write([]byte("localhost 50051 no-ssl localhost\n")); err != nil {
		t.Fatalf("write request: %v", err)
	}

	reader := bufio.NewReader(client)
	resp, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if resp != "up\n" {
		t.Errorf("response = %q, want %q", resp, "up\n")
	}

	client.Close()
	<-done
}

func TestHandleSurvivesMalformedLine(t *testing.T) {
	client, server := pipeConn()
	p := &fakeProber{status: protocol.Up}
	cfg := Config{ConnectTimeout: time.Second, RPCTimeout: time.Second, MaxLineBytes: 8192}

	done := make(chan struct{})
	go func() {
		Handle(context.Background(), server, p, cfg, logr.Discard())
		close(done)
	}()

	reader := bufio.NewReader(client)

	if _, err := client.Write([]byte("garbage\n")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	resp, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read response to garbage: %v", err)
	}
	if resp != "down\n" {
		t.Errorf("response to garbage = %q, want %q", resp, "down\n")
	}

	if _, err := client.Write([]byte("localhost 50051 no-ssl localhost\n")); err != nil {
		t.Fatalf("write valid request: %v", err)
	}
	resp, err = reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read response to valid request: %v", err)
	}
	if resp != "up\n" {
		t.Errorf("response to valid request = %q, want %q", resp, "up\n")
	}
	if p.calls != 1 {
		t.Errorf("Probe called %d times, want 1 (garbage should not invoke it)", p.calls)
	}

	client.Close()
	<-done
}

func TestHandleExitsCleanlyOnPeerClose(t *testing.T) {
	client, server := pipeConn()
	p := &fakeProber{status: protocol.Down}
	cfg := Config{ConnectTimeout: time.Second, RPCTimeout: time.Second, MaxLineBytes: 8192}

	done := make(chan struct{})
	go func() {
		Handle(context.Background(), server, p, cfg, logr.Discard())
		close(done)
	}()

	client.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Handle did not return after peer closed the connection")
	}
}

func TestHandleThreeSequentialRequestsOnSameConnection(t *testing.T) {
	client, server := pipeConn()
	p := &fakeProber{status: protocol.Up}
	cfg := Config{ConnectTimeout: time.Second, RPCTimeout: time.Second, MaxLineBytes: 8192}

	done := make(chan struct{})
	go func() {
		Handle(context.Background(), server, p, cfg, logr.Discard())
		close(done)
	}()

	reader := bufio.NewReader(client)
	for i := 0; i < 3; i++ {
		if _, err := client.Write([]byte("localhost 50051 no-ssl localhost\n")); err != nil {
			t.Fatalf("write request %d: %v", i, err)
		}
		resp, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read response %d: %v", i, err)
		}
		if resp != "up\n" {
			t.Errorf("response %d = %q, want %q", i, resp, "up\n")
		}
	}

	if p.calls != 3 {
		t.Errorf("Probe called %d times, want 3", p.calls)
	}

	client.Close()
	<-done
}
