// Package timeouts defines shared timeout constants used by racetrack
// processes so listeners and clients agree on the same bounds.
package timeouts

import "time"

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long servers wait for in-flight work during graceful
// shutdown.
const Shutdown = 5 * time.Second

// Store caps a single persistence call made on behalf of one inbound event.
const Store = 3 * time.Second

// WSWrite caps one websocket frame write to a client.
const WSWrite = 2 * time.Second

// GRPCDial caps the wait time when dialing a gRPC peer.
const GRPCDial = 2 * time.Second
