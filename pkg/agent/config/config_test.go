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

package config

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTunnelType(t *testing.T) {
	assert.Equal(t, TunnelMPLSUDP, ParseTunnelType("MPLSoUDP"))
	assert.Equal(t, TunnelVXLAN, ParseTunnelType("VXLAN"))
	assert.Equal(t, TunnelMPLSGRE, ParseTunnelType("MPLSoGRE"))
	assert.Equal(t, TunnelMPLSGRE, ParseTunnelType(""))
	assert.Equal(t, TunnelMPLSGRE, ParseTunnelType("garbage"))

	assert.Equal(t, "MPLS_UDP", TunnelMPLSUDP.String())
	assert.Equal(t, "VXLAN", TunnelVXLAN.String())
	assert.Equal(t, "MPLS_GRE", TunnelMPLSGRE.String())
}

func TestDefaultValidates(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero xmpp instances", func(c *Config) { c.XMPPInstanceCount = 0 }},
		{"secondary without primary", func(c *Config) { c.XMPPServer2 = "10.0.0.2" }},
		{"http port out of range", func(c *Config) { c.HTTPServerPort = 70000 }},
		{"collector port negative", func(c *Config) { c.CollectorPort = -1 }},
		{"negative log level", func(c *Config) { c.LogLevel = -2 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := Default()
			tc.mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestRegisterFlags(t *testing.T) {
	c := Default()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	c.RegisterFlags(fs)

	require.NoError(t, fs.Parse([]string{
		"--xmpp-server-1=10.0.0.1",
		"--tunnel-type=VXLAN",
		"--collector=10.0.0.9",
		"--collector-port=8086",
		"--log-level=4",
	}))

	assert.Equal(t, "10.0.0.1", c.XMPPServer1)
	assert.Equal(t, TunnelVXLAN, c.TunnelType())
	assert.Equal(t, "10.0.0.9", c.Collector)
	assert.Equal(t, 4, c.LogLevel)
	assert.NoError(t, c.Validate())
}
