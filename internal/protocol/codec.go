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

// Package protocol implements the HAProxy agent-check line protocol: one
// request per line in, one status line out. It performs no I/O.
package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// SSLFlag indicates whether the backend check should be dialed over TLS.
type SSLFlag int

const (
	// NoSSL dials the backend in cleartext.
	NoSSL SSLFlag = iota
	// SSL dials the backend with TLS, using ProxyHostName as SNI.
	SSL
)

func (f SSLFlag) String() string {
	if f == SSL {
		return "ssl"
	}
	return "no-ssl"
}

// Request is a parsed, validated agent-check line.
type Request struct {
	BackendServer string
	BackendPort   uint16
	SSL           SSLFlag
	ProxyHostName string
}

// Status is the binary verdict the agent reports back to the load balancer.
type Status int

const (
	// Down means the backend should be taken out of rotation.
	Down Status = iota
	// Up means the backend is healthy.
	Up
)

var (
	upLine   = []byte("up\n")
	downLine = []byte("down\n")
)

// Format returns the exact wire bytes for a status. No other byte
// sequence is ever produced by this package.
func Format(s Status) []byte {
	if s == Up {
		return upLine
	}
	return downLine
}

// ParseError describes why a request line was rejected. The Kind
// distinguishes the spec's error taxonomy; Raw carries the offending
// token(s) for logging.
type ParseError struct {
	Kind string
	Raw  string
}

func (e *ParseError) Error() string {
	if e.Raw == "" {
		return e.Kind
	}
	return fmt.Sprintf("%s: %q", e.Kind, e.Raw)
}

// Error kinds, matching spec.md §4.1.
const (
	ErrInvalidFieldCount = "invalid field count"
	ErrInvalidPort       = "invalid port"
	ErrInvalidSSLFlag    = "invalid ssl flag"
	ErrEmptyField        = "empty field"
)

// Parse converts one request line (without its trailing newline, though a
// trailing newline is tolerated and stripped) into a Request. Leading and
// trailing whitespace and runs of internal whitespace are insignificant.
func Parse(line string) (Request, error) {
	line = strings.TrimRight(line, "\r\n")
	fields := strings.Fields(line)

	if len(fields) != 4 {
		return Request{}, &ParseError{Kind: ErrInvalidFieldCount, Raw: strconv.Itoa(len(fields))}
	}

	server, portRaw, sslRaw, proxyHost := fields[0], fields[1], fields[2], fields[3]

	if server == "" {
		return Request{}, &ParseError{Kind: ErrEmptyField, Raw: "server"}
	}
	if proxyHost == "" {
		return Request{}, &ParseError{Kind: ErrEmptyField, Raw: "proxy_host_name"}
	}

	port, err := strconv.ParseUint(portRaw, 10, 32)
	if err != nil || port == 0 || port > 65535 {
		return Request{}, &ParseError{Kind: ErrInvalidPort, Raw: portRaw}
	}

	var ssl SSLFlag
	switch sslRaw {
	case "ssl":
		ssl = SSL
	case "no-ssl":
		ssl = NoSSL
	default:
		return Request{}, &ParseError{Kind: ErrInvalidSSLFlag, Raw: sslRaw}
	}

	return Request{
		BackendServer: server,
		BackendPort:   uint16(port),
		SSL:           ssl,
		ProxyHostName: proxyHost,
	}, nil
}
