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

package oper

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arvindvis/contrail-controller/pkg/agent/db"
	"github.com/arvindvis/contrail-controller/pkg/agent/scheduler"
	"github.com/arvindvis/contrail-controller/pkg/common/observability/logging"
)

type operHarness struct {
	t     *testing.T
	sched *scheduler.TaskScheduler
	vrfs  *VrfTable
}

func newOperHarness(t *testing.T) *operHarness {
	t.Helper()
	logger := logging.NewTestLogger()
	sched := scheduler.New(4, logger)
	return &operHarness{
		t:     t,
		sched: sched,
		vrfs:  NewVrfTable(sched, logger, db.Options{}),
	}
}

func (h *operHarness) drain() {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(h.t, h.sched.WaitForIdle(ctx))
}

func TestVrfCreateAssignsMonotonicIDs(t *testing.T) {
	h := newOperHarness(t)

	h.vrfs.CreateVrf("vrf-a")
	h.vrfs.CreateVrf("vrf-b")
	h.drain()

	a := h.vrfs.FindVrf("vrf-a")
	b := h.vrfs.FindVrf("vrf-b")
	require.NotNil(t, a)
	require.NotNil(t, b)
	assert.NotEqual(t, a.ID(), b.ID())
	assert.Equal(t, 2, h.vrfs.Size())

	for tt := RouteTableType(0); tt < routeTableTypeMax; tt++ {
		require.NotNil(t, a.GetRouteTable(tt), "route table %d missing", tt)
	}
	assert.Equal(t, "vrf-a.uc.route.0", a.GetRouteTable(Inet4Unicast).Name())
}

func TestVrfRepeatedCreateIsNoOp(t *testing.T) {
	h := newOperHarness(t)

	var ops []db.Op
	h.vrfs.Register(func(_ db.Entry, op db.Op) { ops = append(ops, op) })

	h.vrfs.CreateVrf("vrf-a")
	h.drain()
	h.vrfs.CreateVrf("vrf-a")
	h.drain()

	// Listener callbacks run serially on the shard task; one ADD, no CHANGE.
	assert.Equal(t, []db.Op{db.OpAddOrUpdate}, ops)
}

func TestVrfRetirementWaitsForRoutes(t *testing.T) {
	h := newOperHarness(t)

	h.vrfs.CreateVrf("vrf-a")
	h.drain()
	vrf := h.vrfs.FindVrf("vrf-a")
	require.NotNil(t, vrf)
	rt := vrf.GetRouteTable(Inet4Unicast)

	prefix := netip.MustParsePrefix("10.1.0.0/16")
	rt.AddRoute(prefix, RouteData{Peer: "bgp-1", NextHop: netip.MustParseAddr("172.16.0.1"), Label: 17})
	h.drain()
	require.NotNil(t, rt.FindRoute(prefix))

	h.vrfs.DeleteVrf("vrf-a")
	h.drain()

	// Gone from the table, but Destroy is held back by the remaining route.
	assert.Nil(t, h.vrfs.FindVrf("vrf-a"))
	assert.Equal(t, 1, h.vrfs.PendingRetirement())
	assert.False(t, vrf.Base().Deleter().IsRetired())

	rt.DeleteRoute(prefix)
	h.drain()
	assert.Equal(t, 0, h.vrfs.PendingRetirement())
	assert.True(t, vrf.Base().Deleter().IsRetired())
}

func TestVrfCreateWhileRetiringIsReplayed(t *testing.T) {
	h := newOperHarness(t)

	h.vrfs.CreateVrf("vrf-a")
	h.drain()
	first := h.vrfs.FindVrf("vrf-a")
	require.NotNil(t, first)

	// Pin the old entry so it lingers in pending-delete while the new create
	// arrives.
	first.Base().AddRef()
	h.vrfs.DeleteVrf("vrf-a")
	h.drain()
	h.vrfs.CreateVrf("vrf-a")
	h.drain()
	assert.Nil(t, h.vrfs.FindVrf("vrf-a"), "create is held while the old entry retires")

	first.Base().ReleaseRef()
	h.drain()

	recreated := h.vrfs.FindVrf("vrf-a")
	require.NotNil(t, recreated, "held create replays after retirement")
	assert.Greater(t, recreated.ID(), first.ID(), "replayed create builds a fresh VRF")
}

func TestRouteTableUpsertAndChange(t *testing.T) {
	h := newOperHarness(t)
	h.vrfs.CreateVrf("vrf-a")
	h.drain()
	rt := h.vrfs.GetRouteTable("vrf-a", Inet4Unicast)
	require.NotNil(t, rt)

	var changes int
	rt.Register(func(_ db.Entry, op db.Op) {
		if op == db.OpAddOrUpdate {
			changes++
		}
	})

	prefix := netip.MustParsePrefix("10.1.1.0/24")
	nh := netip.MustParseAddr("172.16.0.1")
	rt.AddRoute(prefix, RouteData{Peer: "bgp-1", NextHop: nh, Label: 17})
	h.drain()
	rt.AddRoute(prefix, RouteData{Peer: "bgp-1", NextHop: nh, Label: 17}) // identical
	h.drain()
	rt.AddRoute(prefix, RouteData{Peer: "bgp-1", NextHop: nh, Label: 42}) // relabel
	h.drain()

	assert.Equal(t, 2, changes, "identical upsert is suppressed")
	route := rt.FindRoute(prefix)
	require.NotNil(t, route)
	assert.Equal(t, uint32(42), route.Label())
	assert.Equal(t, "bgp-1", route.PeerName())
}
