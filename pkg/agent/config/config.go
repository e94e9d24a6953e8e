/*
Copyright 2025 The Contrail Authors.

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

// Package config holds the agent's process configuration: controller and DNS
// endpoints, the dataplane identity, tunnel encapsulation, logging, and the
// export sink endpoint.
package config

import (
	"fmt"

	"github.com/spf13/pflag"
)

// TunnelType is the overlay encapsulation used toward remote vrouters.
type TunnelType int

const (
	TunnelMPLSGRE TunnelType = iota
	TunnelMPLSUDP
	TunnelVXLAN
)

func (t TunnelType) String() string {
	switch t {
	case TunnelMPLSUDP:
		return "MPLS_UDP"
	case TunnelVXLAN:
		return "VXLAN"
	default:
		return "MPLS_GRE"
	}
}

// ParseTunnelType maps the configured encapsulation name to its type.
// Unrecognized values fall back to MPLS over GRE.
func ParseTunnelType(s string) TunnelType {
	switch s {
	case "MPLSoUDP":
		return TunnelMPLSUDP
	case "VXLAN":
		return TunnelVXLAN
	default:
		return TunnelMPLSGRE
	}
}

// Config is the agent's process configuration.
type Config struct {
	// Controller (XMPP) endpoints.
	XMPPServer1       string
	XMPPServer2       string
	XMPPInstanceCount int

	DNSServer1 string
	DNSServer2 string

	DiscoveryServer string

	// Dataplane identity.
	VHostName   string
	EthPort     string
	HostName    string
	ProgramName string

	HTTPServerPort int

	// TunnelTypeName is the configured encapsulation; TunnelType() maps it.
	TunnelTypeName string

	LogLocal    bool
	LogCategory string
	LogLevel    int

	// Export sink endpoint.
	Collector     string
	CollectorPort int

	MetadataSharedSecret string
}

// Default returns the configuration used when no options are given.
func Default() *Config {
	return &Config{
		XMPPInstanceCount: 2,
		VHostName:         "vhost0",
		EthPort:           "eth0",
		ProgramName:       "contrail-vrouter-agent",
		HTTPServerPort:    8085,
		TunnelTypeName:    "MPLSoGRE",
		LogLevel:          1,
		CollectorPort:     8086,
	}
}

// TunnelType returns the configured encapsulation.
func (c *Config) TunnelType() TunnelType { return ParseTunnelType(c.TunnelTypeName) }

// RegisterFlags binds the configuration to a flag set.
func (c *Config) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.XMPPServer1, "xmpp-server-1", c.XMPPServer1, "Primary controller address.")
	fs.StringVar(&c.XMPPServer2, "xmpp-server-2", c.XMPPServer2, "Secondary controller address.")
	fs.IntVar(&c.XMPPInstanceCount, "xmpp-instance-count", c.XMPPInstanceCount, "Number of controller sessions.")
	fs.StringVar(&c.DNSServer1, "dns-server-1", c.DNSServer1, "Primary DNS server address.")
	fs.StringVar(&c.DNSServer2, "dns-server-2", c.DNSServer2, "Secondary DNS server address.")
	fs.StringVar(&c.DiscoveryServer, "discovery-server", c.DiscoveryServer, "Discovery service address.")
	fs.StringVar(&c.VHostName, "vhost-name", c.VHostName, "Name of the vhost interface.")
	fs.StringVar(&c.EthPort, "eth-port", c.EthPort, "Fabric-facing physical port.")
	fs.StringVar(&c.HostName, "host-name", c.HostName, "Host name to report; defaults to the OS host name.")
	fs.IntVar(&c.HTTPServerPort, "http-server-port", c.HTTPServerPort, "Introspect HTTP port.")
	fs.StringVar(&c.TunnelTypeName, "tunnel-type", c.TunnelTypeName, "Overlay encapsulation: MPLSoUDP, VXLAN, or MPLSoGRE.")
	fs.BoolVar(&c.LogLocal, "log-local", c.LogLocal, "Also log to the local log file.")
	fs.StringVar(&c.LogCategory, "log-category", c.LogCategory, "Restrict logging to one category.")
	fs.IntVar(&c.LogLevel, "log-level", c.LogLevel, "Log verbosity.")
	fs.StringVar(&c.Collector, "collector", c.Collector, "Analytics collector address; empty logs exports locally.")
	fs.IntVar(&c.CollectorPort, "collector-port", c.CollectorPort, "Analytics collector port.")
	fs.StringVar(&c.MetadataSharedSecret, "metadata-shared-secret", c.MetadataSharedSecret, "Shared secret for metadata proxy signing.")
}

// Validate rejects inconsistent configurations.
func (c *Config) Validate() error {
	if c.XMPPInstanceCount < 1 {
		return fmt.Errorf("config: xmpp-instance-count must be at least 1, got %d", c.XMPPInstanceCount)
	}
	if c.XMPPServer1 == "" && c.XMPPServer2 != "" {
		return fmt.Errorf("config: xmpp-server-2 set without xmpp-server-1")
	}
	if c.HTTPServerPort < 0 || c.HTTPServerPort > 65535 {
		return fmt.Errorf("config: http-server-port %d out of range", c.HTTPServerPort)
	}
	if c.CollectorPort < 0 || c.CollectorPort > 65535 {
		return fmt.Errorf("config: collector-port %d out of range", c.CollectorPort)
	}
	if c.LogLevel < 0 {
		return fmt.Errorf("config: log-level must be non-negative, got %d", c.LogLevel)
	}
	return nil
}
