package main

import (
	"testing"
	"time"

	"github.com/conode-linux/conode/internal/gateway"
)

func baseConfig() *appConfig {
	return &appConfig{
		iface:             "can0",
		nodeID:            1,
		rtPriority:        -1,
		storagePrefix:     "",
		gatewayMode:       gateway.Disabled,
		logFormat:         "text",
		logLevel:          "info",
		logMetricsEvery:   0,
		intervalUS:        1000,
		heartbeatPeriodMS: 1000,
		syncPeriodMS:      0,
		syncCounterMax:    0,
		timePeriodMS:      0,
	}
}

func TestConfigValidateOK(t *testing.T) {
	if err := baseConfig().validate(); err != nil {
		t.Fatalf("expected ok, got %v", err)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*appConfig)
	}{
		{"badFormat", func(c *appConfig) { c.logFormat = "xx" }},
		{"badLevel", func(c *appConfig) { c.logLevel = "nope" }},
		{"nodeIDZero", func(c *appConfig) { c.nodeID = 0 }},
		{"nodeIDTooHigh", func(c *appConfig) { c.nodeID = 200 }},
		{"rtPriorityTooLow", func(c *appConfig) { c.rtPriority = 0 }},
		{"rtPriorityTooHigh", func(c *appConfig) { c.rtPriority = 100 }},
		{"negativeIdle", func(c *appConfig) { c.gatewayIdleMS = -1 }},
		{"zeroInterval", func(c *appConfig) { c.intervalUS = 0 }},
		{"negativeHeartbeat", func(c *appConfig) { c.heartbeatPeriodMS = -1 }},
		{"negativeSync", func(c *appConfig) { c.syncPeriodMS = -1 }},
		{"negativeTime", func(c *appConfig) { c.timePeriodMS = -1 }},
		{"syncCounterMaxTooHigh", func(c *appConfig) { c.syncCounterMax = 241 }},
	}
	for _, tc := range tests {
		c := baseConfig()
		tc.mod(c)
		if err := c.validate(); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestConfigValidateAllowsUnconfiguredNodeID(t *testing.T) {
	c := baseConfig()
	c.nodeID = 0xFF
	if err := c.validate(); err != nil {
		t.Fatalf("expected node-id 0xFF (LSS unconfigured) to be valid, got %v", err)
	}
}

func TestParseGatewaySpec(t *testing.T) {
	tests := []struct {
		spec     string
		wantMode gateway.Mode
		wantAddr string
		wantErr  bool
	}{
		{"", gateway.Disabled, "", false},
		{"stdio", gateway.Stdio, "", false},
		{"local-/tmp/conode.sock", gateway.Unix, "/tmp/conode.sock", false},
		{"local-", gateway.Disabled, "", true},
		{"tcp-20000", gateway.TCP, ":20000", false},
		{"tcp-notaport", gateway.Disabled, "", true},
		{"bogus", gateway.Disabled, "", true},
	}
	for _, tc := range tests {
		mode, addr, err := parseGatewaySpec(tc.spec)
		if tc.wantErr {
			if err == nil {
				t.Errorf("parseGatewaySpec(%q): expected error", tc.spec)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseGatewaySpec(%q): unexpected error: %v", tc.spec, err)
			continue
		}
		if mode != tc.wantMode || addr != tc.wantAddr {
			t.Errorf("parseGatewaySpec(%q) = (%v, %q), want (%v, %q)", tc.spec, mode, addr, tc.wantMode, tc.wantAddr)
		}
	}
}

func TestConfigValidateNilReceiver(t *testing.T) {
	var c *appConfig
	if err := c.validate(); err == nil {
		t.Fatalf("expected error for nil config")
	}
}

func TestConfigValidateLogMetricsEveryIsUnconstrained(t *testing.T) {
	c := baseConfig()
	c.logMetricsEvery = 5 * time.Second
	if err := c.validate(); err != nil {
		t.Fatalf("expected ok, got %v", err)
	}
}
