// Package mdns advertises the ASCII gateway over mDNS/Avahi when running
// in TCP mode, per SPEC_FULL.md §6's -m flag. Grounded on
// cmd/can-server/mdns.go, re-typed from the teacher's backend/version
// metadata to this node's id and gateway mode.
package mdns

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/grandcat/zeroconf"
)

// ServiceType is the mDNS service type advertised for the ASCII gateway.
const ServiceType = "_conode-gw._tcp"

// Config describes what to advertise.
type Config struct {
	Enable   bool
	Instance string // defaults to "conode-<nodeID>-<hostname>" when empty
	NodeID   uint8
	Port     int
}

// Advertise registers the service and returns a cleanup function. It is
// a no-op (nil error, no-op cleanup) when cfg.Enable is false, so callers
// can call it unconditionally.
func Advertise(ctx context.Context, cfg Config) (func(), error) {
	if !cfg.Enable {
		return func() {}, nil
	}
	instance := cfg.Instance
	if instance == "" {
		host, _ := os.Hostname()
		instance = fmt.Sprintf("conode-%d-%s", cfg.NodeID, host)
	}
	meta := []string{fmt.Sprintf("node=%d", cfg.NodeID)}
	svc, err := zeroconf.Register(instance, ServiceType, "local.", cfg.Port, meta, nil)
	if err != nil {
		return nil, fmt.Errorf("mdns: register: %w", err)
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		svc.Shutdown()
	}()
	return func() { close(done); svc.Shutdown(); time.Sleep(50 * time.Millisecond) }, nil
}
