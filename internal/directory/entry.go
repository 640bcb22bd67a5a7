// Copyright 2024 The Blockfs Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package directory implements the hierarchical directory layer: fixed
// slot directory files, name lookup/add/remove, and path resolution in
// parent and final mode.
package directory

import (
	"bytes"
	"encoding/binary"
)

// NameMax is the maximum directory-entry name length in bytes.
const NameMax = 14

// entrySize is the on-disk size of one directory entry: in_use (1
// byte), name (NameMax+1 bytes including the NUL terminator),
// inode_sector (4 bytes, little-endian).
const entrySize = 1 + (NameMax + 1) + 4

// dotSlot and dotDotSlot are the reserved slot indices for "." and "..",
// set up once at directory creation. Path resolution and readdir both
// skip them.
const (
	dotSlot    = 0
	dotDotSlot = 1
	firstSlot  = 2
)

// entry is one fixed-size directory record.
type entry struct {
	InUse  bool
	Name   string
	Sector uint32
}

func unmarshalEntry(buf []byte) entry {
	var e entry
	e.InUse = buf[0] != 0
	nameBytes := buf[1 : 1+NameMax+1]
	if nul := bytes.IndexByte(nameBytes, 0); nul >= 0 {
		e.Name = string(nameBytes[:nul])
	} else {
		e.Name = string(nameBytes)
	}
	e.Sector = binary.LittleEndian.Uint32(buf[1+NameMax+1 : entrySize])
	return e
}

func marshalEntry(e entry, buf []byte) {
	if e.InUse {
		buf[0] = 1
	} else {
		buf[0] = 0
	}
	nameField := buf[1 : 1+NameMax+1]
	for i := range nameField {
		nameField[i] = 0
	}
	copy(nameField, e.Name)
	binary.LittleEndian.PutUint32(buf[1+NameMax+1:entrySize], e.Sector)
}
