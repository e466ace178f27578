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
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
)

// Buffer capacities
const (
	BodyCap    = 256
	RequestCap = 1024
)

// Error messages
var (
	ErrBodyOverflow    = errors.New("request body exceeds buffer")
	ErrRequestOverflow = errors.New("request exceeds buffer")
)

//----------------------------------------------------------------------

// serverValue is a placeholder resolved by the database server.
type serverValue struct {
	SV string `json:".sv"`
}

// record stored in the database. Field order is the key order
// on the wire.
type record struct {
	Now  serverValue `json:"now"`
	Name string      `json:"name"`
	Date string      `json:"date"`
}

//----------------------------------------------------------------------

// fixedBuf is a writer on a fixed byte slice that refuses to grow.
type fixedBuf struct {
	data []byte
	n    int
	err  error
}

// Write appends data if it fits; otherwise nothing is written.
func (b *fixedBuf) Write(p []byte) (int, error) {
	if b.err != nil {
		return 0, b.err
	}
	if b.n+len(p) > len(b.data) {
		b.err = ErrRequestOverflow
		return 0, b.err
	}
	b.n += copy(b.data[b.n:], p)
	return len(p), nil
}

//----------------------------------------------------------------------

// Request holds the body and the complete HTTP request in
// fixed-size buffers.
type Request struct {
	body [BodyCap]byte
	buf  [RequestCap]byte
	bn   int // length of body
	n    int // length of request
}

// Format body and request for the given target. The previous content
// is discarded; on error the request is empty.
func (r *Request) Format(t Target) error {
	r.bn, r.n = 0, 0

	body, err := json.Marshal(map[string]record{
		t.Key: {
			Now:  serverValue{SV: "timestamp"},
			Name: t.Name,
			Date: t.Date,
		},
	})
	if err != nil {
		return err
	}
	body = append(body, '\r', '\n')
	if len(body) > BodyCap {
		return ErrBodyOverflow
	}
	bn := copy(r.body[:], body)

	w := &fixedBuf{data: r.buf[:]}
	fmt.Fprintf(w,
		"POST %s HTTP/1.1\r\n"+
			"Host: %s\r\n"+
			"Accept: */*\r\n"+
			"Content-Type: application/json\r\n"+
			"Content-Length: %d\r\n"+
			"\r\n", t.Path(), t.Host(), bn)
	w.Write(r.body[:bn])
	if w.err != nil {
		return w.err
	}
	r.bn, r.n = bn, w.n
	return nil
}

// Len returns the length of the formatted request.
func (r *Request) Len() int {
	return r.n
}

// Bytes returns the formatted request (valid until the next Format).
func (r *Request) Bytes() []byte {
	return r.buf[:r.n]
}

// Body returns the formatted JSON body.
func (r *Request) Body() []byte {
	return r.body[:r.bn]
}
