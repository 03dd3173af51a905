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

// Package channel maintains a process-lifetime cache of gRPC transport
// channels keyed by backend address and TLS policy. It never evicts and
// never explicitly closes a cached channel; process exit reclaims them.
package channel

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"github.com/beskarlabs/agentcheck-bridge/internal/protocol"
)

// Key identifies a cached channel. ProxyHostName is deliberately not part
// of the key: see Cache.GetOrCreate.
type Key struct {
	Server string
	Port   uint16
	SSL    protocol.SSLFlag
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%d/%s", k.Server, k.Port, k.SSL)
}

// KeepAlive controls the client-side keepalive pings applied to every
// dialed channel, so a half-broken backend is noticed by gRPC itself
// between agent-check polls rather than only on the next RPC.
var KeepAlive = keepalive.ClientParameters{
	Time:                30 * time.Second,
	Timeout:             5 * time.Second,
	PermitWithoutStream: true,
}

// Cache is safe for concurrent readers and writers. Inserts are atomic:
// a reader either observes the prior absence or the fully constructed
// entry, never a partially built one.
type Cache struct {
	mu      sync.RWMutex
	entries map[Key]*grpc.ClientConn
}

// New returns an empty channel cache.
func New() *Cache {
	return &Cache{entries: make(map[Key]*grpc.ClientConn)}
}

// GetOrCreate returns the cached channel for key, dialing one if this is
// the first request for that key. proxyHost sets the channel's
// :authority (TLS SNI, or HTTP host override for cleartext) — but only
// at construction time. Because ProxyHostName is not part of Key, the
// first caller's proxyHost wins for every subsequent caller sharing the
// same (server, port, ssl) tuple; this is a documented limitation, not a
// bug (see spec.md §4.2, §9).
//
// A benign race is tolerated: two concurrent misses for the same key may
// each dial; the first insert wins, and the losing channel is closed and
// the cached one returned in its place.
func (c *Cache) GetOrCreate(ctx context.Context, key Key, proxyHost string, connectTimeout time.Duration) (*grpc.ClientConn, error) {
	c.mu.RLock()
	conn, ok := c.entries[key]
	c.mu.RUnlock()
	if ok {
		return conn, nil
	}

	conn, err := dial(ctx, key, proxyHost, connectTimeout)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if existing, ok := c.entries[key]; ok {
		c.mu.Unlock()
		conn.Close()
		return existing, nil
	}
	c.entries[key] = conn
	c.mu.Unlock()

	return conn, nil
}

// Len reports the number of distinct backends currently cached.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func dial(ctx context.Context, key Key, proxyHost string, connectTimeout time.Duration) (*grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	target := fmt.Sprintf("%s:%d", key.Server, key.Port)

	opts := []grpc.DialOption{
		grpc.WithKeepaliveParams(KeepAlive),
		grpc.WithBlock(),
	}

	switch key.SSL {
	case protocol.SSL:
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{
			ServerName: proxyHost,
			MinVersion: tls.VersionTLS12,
		})))
	default:
		// :authority for cleartext h2c defaults to the dial target
		// (backend host:port); service meshes that route on Host expect it
		// to equal proxyHost, so when proxyHost differs from the backend
		// server it overrides the authority while the connection still goes
		// to the backend address (spec.md §4.2's NoSSL authority rule).
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if proxyHost != key.Server {
			opts = append(opts, grpc.WithAuthority(proxyHost))
		}
	}

	conn, err := grpc.DialContext(dialCtx, target, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	return conn, nil
}
