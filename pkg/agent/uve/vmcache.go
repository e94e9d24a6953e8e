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

package uve

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

const vmCacheSize = 4096

// VMResolver maps an input interface index to the configured name of the VM
// bound to it, if any. Backed by the operational interface table.
type VMResolver func(intfIndex uint32) (string, bool)

// VMNameCache memoizes interface-to-VM-name resolution for the export path,
// which performs one lookup per exported record. Negative results are not
// cached: an interface may acquire its VM binding later.
type VMNameCache struct {
	resolve VMResolver
	cache   *lru.Cache[uint32, string]
}

func NewVMNameCache(resolve VMResolver) *VMNameCache {
	// Size is fixed and positive, so construction cannot fail.
	cache, err := lru.New[uint32, string](vmCacheSize)
	if err != nil {
		panic(err)
	}
	return &VMNameCache{resolve: resolve, cache: cache}
}

// Lookup returns the VM name for intfIndex, or "" when unbound.
func (c *VMNameCache) Lookup(intfIndex uint32) string {
	if name, ok := c.cache.Get(intfIndex); ok {
		return name
	}
	name, ok := c.resolve(intfIndex)
	if !ok {
		return ""
	}
	c.cache.Add(intfIndex, name)
	return name
}

// Invalidate drops the cached name for intfIndex, forcing re-resolution. The
// interface table calls this when a VM binding changes or the interface goes
// away.
func (c *VMNameCache) Invalidate(intfIndex uint32) {
	c.cache.Remove(intfIndex)
}
