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

// Package handler drives one accepted agent-check TCP connection: read a
// line, parse it, probe the backend, write the verdict, repeat until the
// peer closes.
package handler

import (
	"bufio"
	"context"
	"io"
	"net"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/beskarlabs/agentcheck-bridge/internal/obs/metrics"
	"github.com/beskarlabs/agentcheck-bridge/internal/prober"
	"github.com/beskarlabs/agentcheck-bridge/internal/protocol"
)

// Prober is the subset of *prober.Prober the handler depends on, to keep
// the handler testable without a live gRPC backend.
type Prober interface {
	Probe(ctx context.Context, req protocol.Request, log logr.Logger, connectTimeout time.Duration) protocol.Status
}

var _ Prober = (*prober.Prober)(nil)

// Config carries the per-connection parameters the handler needs but
// does not own: timeouts and the maximum accepted line length.
type Config struct {
	ConnectTimeout time.Duration
	RPCTimeout     time.Duration
	MaxLineBytes   int
}

// Handle drives conn to completion: it never returns an error to the
// caller (the accept loop logs nothing beyond what Handle itself logs)
// and always closes conn before returning.
func Handle(ctx context.Context, conn net.Conn, p Prober, cfg Config, log logr.Logger) {
	defer conn.Close()

	id := uuid.NewString()
	log = log.WithValues("trace_id", id, "peer", conn.RemoteAddr().String())

	metrics.ConnectionOpened()
	defer metrics.ConnectionClosed()

	log.V(1).Info("connection accepted")

	reader := bufio.NewReaderSize(conn, cfg.MaxLineBytes)
	writer := bufio.NewWriter(conn)

	for {
		line, err := readLine(reader, cfg.MaxLineBytes)
		if err != nil {
			if err == io.EOF {
				log.V(1).Info("peer closed connection")
				return
			}
			log.V(1).Info("read error, closing connection", "error", err.Error())
			return
		}

		status, parseErr := respond(ctx, line, p, cfg, log)

		if _, err := writer.Write(protocol.Format(status)); err != nil {
			log.Info("write failed, closing connection", "error", err.Error())
			metrics.RecordRequest(metrics.OutcomeWriteError)
			return
		}
		if err := writer.Flush(); err != nil {
			log.Info("flush failed, closing connection", "error", err.Error())
			metrics.RecordRequest(metrics.OutcomeWriteError)
			return
		}

		if parseErr != nil {
			metrics.RecordRequest(metrics.OutcomeParseError)
		} else {
			metrics.RecordRequest(metrics.OutcomeServed)
		}
	}
}

// respond parses one line and, on success, probes the backend. A parse
// failure is logged at Info level and answered with Down without closing
// the connection (spec.md I4).
func respond(ctx context.Context, line string, p Prober, cfg Config, log logr.Logger) (protocol.Status, error) {
	req, err := protocol.Parse(line)
	if err != nil {
		log.Info("malformed request line", "line", line, "error", err.Error())
		return protocol.Down, err
	}

	status := p.Probe(ctx, req, log, cfg.ConnectTimeout)
	return status, nil
}

// readLine reads a single newline-terminated line, trimming the
// terminator. A line exceeding maxBytes before a newline is found is
// treated as a parse failure (spec.md §4.4 line-length policy): the
// caller sees a non-nil error only for true I/O failures (including
// EOF); an oversized line is drained and returned as an empty string,
// which fails protocol.Parse's field-count check, preserving the "never
// close on malformed input" contract.
func readLine(r *bufio.Reader, maxBytes int) (string, error) {
	var line []byte
	for {
		chunk, isPrefix, err := r.ReadLine()
		if err != nil {
			return "", err
		}
		line = append(line, chunk...)
		if len(line) > maxBytes {
			// Drain the rest of the oversized line so the next ReadLine call
			// starts at the following line, then report it as unparseable.
			for isPrefix {
				_, isPrefix, err = r.ReadLine()
				if err != nil {
					return "", err
				}
			}
			return "", nil
		}
		if !isPrefix {
			break
		}
	}
	return string(line), nil
}
