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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCacheLookup(t *testing.T) {
	now := time.Date(2024, 6, 4, 12, 0, 0, 0, time.UTC)
	cache := NewCache(func() time.Time { return now })
	addr := netip.MustParseAddr("10.0.0.7")

	_, ok := cache.Lookup("proj.firebaseio.com")
	assert.False(t, ok)

	cache.Store("Proj.FirebaseIO.com", addr, 5*time.Minute)
	got, ok := cache.Lookup("proj.firebaseio.com")
	assert.True(t, ok)
	assert.Equal(t, addr, got)

	now = now.Add(5 * time.Minute)
	_, ok = cache.Lookup("proj.firebaseio.com")
	assert.False(t, ok)
}

func TestCacheMinimumTTL(t *testing.T) {
	now := time.Date(2024, 6, 4, 12, 0, 0, 0, time.UTC)
	cache := NewCache(func() time.Time { return now })
	cache.Store("proj.firebaseio.com", netip.MustParseAddr("10.0.0.7"), 0)

	now = now.Add(59 * time.Second)
	_, ok := cache.Lookup("proj.firebaseio.com")
	assert.True(t, ok)

	now = now.Add(time.Second)
	_, ok = cache.Lookup("proj.firebaseio.com")
	assert.False(t, ok)
}
