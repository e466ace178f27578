//----------------------------------------------------------------------
// This file is part of fbpost.
// Copyright (C) 2024-present Bernd Fix   >Y<
//
// fbpost is free software: you can redistribute it and/or modify it
// under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License,
// or (at your option) any later version.
//
// fbpost is distributed in the hope that it will be useful, but
// WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.
//
// SPDX-License-Identifier: AGPL3.0-or-later
//----------------------------------------------------------------------

package fbpost

import (
	"net/netip"
	"strings"
	"sync"
	"time"
)

// minimum lifetime of a cached answer
const minCacheTTL = 60 * time.Second

// cached answer
type cacheEntry struct {
	addr    netip.Addr
	expires time.Time
}

// Cache for resolved host names
type Cache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	now     func() time.Time
}

// NewCache creates an empty cache. A nil clock selects time.Now.
func NewCache(now func() time.Time) *Cache {
	if now == nil {
		now = time.Now
	}
	return &Cache{
		entries: make(map[string]cacheEntry),
		now:     now,
	}
}

// Lookup returns a non-expired address for host.
func (c *Cache) Lookup(host string) (netip.Addr, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := strings.ToLower(host)
	e, ok := c.entries[key]
	if !ok {
		return netip.Addr{}, false
	}
	if !c.now().Before(e.expires) {
		delete(c.entries, key)
		return netip.Addr{}, false
	}
	return e.addr, true
}

// Store an address for host with given time-to-live.
func (c *Cache) Store(host string, addr netip.Addr, ttl time.Duration) {
	if ttl < minCacheTTL {
		ttl = minCacheTTL
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[strings.ToLower(host)] = cacheEntry{
		addr:    addr,
		expires: c.now().Add(ttl),
	}
}
