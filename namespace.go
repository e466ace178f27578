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
	"strconv"
	"strings"

	"git.sr.ht/~moody/ninep"
)

// Error messages
var (
	errNoRoot = errors.New("no root directory")
	errNoFile = errors.New("no such file or directory")
	errNoAbs  = errors.New("no absolute path")
	errExists = errors.New("file exists")
)

// permissions of diagnostic files
const (
	permDir  = 0555
	permFile = 0444
)

//----------------------------------------------------------------------

// entry in the namespace (root directory or file)
type entry struct {
	ref  *ninep.Dir // 9p reference
	file File       // file implementation or nil (for root)
}

// Namespace is a flat read-only synthetic file system.
type Namespace struct {
	ninep.NopFS                   // use default handlers where needed
	owner       string            // owner of all entries
	dict        map[uint64]*entry // map Qid.Path to entry
	names       map[string]uint64 // map file name to Qid.Path
}

// NewNamespace creates an empty namespace owned by user.
func NewNamespace(user string) *Namespace {
	ns := &Namespace{
		owner: user,
		dict:  make(map[uint64]*entry),
		names: make(map[string]uint64),
	}
	ns.dict[0] = ns.newEntry(0, "/", nil)
	return ns
}

// create a new 9p entry; a nil file is a directory.
func (ns *Namespace) newEntry(id uint64, name string, f File) *entry {
	kind, perm := ninep.QTFile, uint32(permFile)
	if f == nil {
		kind, perm = ninep.QTDir, permDir|ninep.DMDir
	}
	return &entry{
		ref: &ninep.Dir{
			Qid: ninep.Qid{
				Path: id,
				Type: byte(kind),
			},
			Name: name,
			Mode: perm,
			Uid:  ns.owner,
			Gid:  ns.owner,
			Muid: ns.owner,
		},
		file: f,
	}
}

// Add a file to the root directory.
func (ns *Namespace) Add(name string, f File) error {
	if _, ok := ns.names[name]; ok {
		return errExists
	}
	id := uint64(len(ns.dict))
	ns.dict[id] = ns.newEntry(id, name, f)
	ns.names[name] = id
	return nil
}

// Get file with given absolute path.
func (ns *Namespace) Get(path string) (File, error) {
	if !strings.HasPrefix(path, "/") {
		return nil, errNoAbs
	}
	id, ok := ns.names[path[1:]]
	if !ok {
		return nil, errNoFile
	}
	return ns.dict[id].file, nil
}

// Serve the 9p protocol for the given listen string
func (ns *Namespace) Serve(listen string) error {
	srv := ninep.NewSrv(func() ninep.FS { return ns })
	return srv.ListenAndServe(listen)
}

// ninep FS implementation

// Attach to 9p session
func (ns *Namespace) Attach(t *ninep.Tattach) {
	if e, ok := ns.dict[0]; ok {
		t.Respond(&e.ref.Qid)
	} else {
		t.Err(errNoRoot)
	}
}

// Walk from the root to the file with name "next".
func (ns *Namespace) Walk(cur *ninep.Qid, next string) *ninep.Qid {
	if cur.Path != 0 {
		return nil
	}
	id, ok := ns.names[next]
	if !ok {
		return nil
	}
	return &ns.dict[id].ref.Qid
}

// Open entry for file operation
func (ns *Namespace) Open(t *ninep.Topen, q *ninep.Qid) {
	t.Respond(q, 8192)
}

// Read from entry. Either return the content of a file
// or the listing of the root directory.
func (ns *Namespace) Read(t *ninep.Tread, q *ninep.Qid) {
	e, ok := ns.dict[q.Path]
	if !ok {
		t.Err(errNoFile)
		return
	}
	if e.file == nil {
		kids := make([]ninep.Dir, 0, len(ns.names))
		for id := uint64(1); id < uint64(len(ns.dict)); id++ {
			kids = append(kids, *ns.dict[id].ref)
		}
		ninep.ReadDir(t, kids)
		return
	}
	data, err := e.file.Read()
	if err != nil {
		t.Err(err)
	} else {
		ninep.ReadBuf(t, data)
	}
}

// Stat returns information for a namespace entry.
func (ns *Namespace) Stat(t *ninep.Tstat, q *ninep.Qid) {
	e, ok := ns.dict[q.Path]
	if !ok {
		t.Err(errNoFile)
	} else {
		t.Respond(e.ref)
	}
}

//----------------------------------------------------------------------

// NewDiagnostics builds the namespace exposing a session:
//
//	/state     current session state
//	/request   last request sent
//	/response  received response (truncated)
//	/reset     reset cause of the device
//	/status    status code and repeat counter
//	/target    host and path of the database (without token)
func NewDiagnostics(dev Device, s *Session, st *Status, t Target) *Namespace {
	ns := NewNamespace("fbpost")
	ns.Add("state", lineFile(func() string {
		return s.State().String()
	}))
	ns.Add("request", NewFuncFile(func() ([]byte, error) {
		return s.Snapshot().Request, nil
	}))
	ns.Add("response", NewFuncFile(func() ([]byte, error) {
		return s.Snapshot().Response, nil
	}))
	ns.Add("reset", lineFile(func() string {
		return dev.ResetCause().String()
	}))
	ns.Add("status", lineFile(func() string {
		if st == nil {
			return strconv.Itoa(StatUNK) + " 0"
		}
		code, num := st.Get()
		return strconv.Itoa(code) + " " + strconv.Itoa(num)
	}))
	ns.Add("target", lineFile(func() string {
		return t.Host() + " " + pathPrefix + t.Save + ".json"
	}))
	return ns
}
