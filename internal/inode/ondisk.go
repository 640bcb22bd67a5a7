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

package inode

import (
	"encoding/binary"

	"github.com/blockfs-io/blockfs/internal/block"
)

// DirectBlocks is the number of direct block pointers an inode carries.
const DirectBlocks = 124

// BlocksPerSector is the number of pointers an indirect block holds: 125
// for a 512-byte sector, not the 128 a bare SectorSize/4 would give. The
// 125 uint32 sector numbers fill the first 500 bytes of an index block;
// the last 12 bytes are unused.
const BlocksPerSector = 125

// MaxFileSize is the hard cap on logical file length: DIRECT + BPS +
// BPS^2 sectors, exactly what the direct, singly-indirect and
// doubly-indirect pointers can address. 8127488 bytes.
const MaxFileSize = int64(DirectBlocks+BlocksPerSector+BlocksPerSector*BlocksPerSector) * block.SectorSize

// sectorsByteOffset is the byte offset of the Sectors pointer array
// within the on-disk inode record: 4 bytes of length, 1 byte of is_dir,
// 3 bytes of padding to a 4-byte boundary.
const sectorsByteOffset = 8

// indirectSlot and doublyIndirectSlot are the indices within Sectors of
// the singly- and doubly-indirect block pointers.
const (
	indirectSlot       = DirectBlocks
	doublyIndirectSlot = DirectBlocks + 1
	sectorPointerCount = DirectBlocks + 2
)

// onDiskSize is the on-disk inode record size; it must equal
// block.SectorSize exactly, so one inode occupies exactly one sector.
const onDiskSize = 8 + sectorPointerCount*4

func init() {
	if onDiskSize != block.SectorSize {
		panic("inode: on-disk inode record does not fit exactly one sector")
	}
	if MaxFileSize != 8127488 {
		panic("inode: MaxFileSize no longer matches the canonical (124 + 125 + 125^2) * 512 bytes")
	}
}

// onDisk mirrors the bit-exact on-disk inode layout: length (int32 LE),
// is_dir (bool, padded), sectors[] (uint32 LE each).
type onDisk struct {
	Length  int32
	IsDir   bool
	Sectors [sectorPointerCount]uint32
}

func unmarshalOnDisk(buf []byte) *onDisk {
	d := &onDisk{}
	d.Length = int32(binary.LittleEndian.Uint32(buf[0:4]))
	d.IsDir = buf[4] != 0
	for i := 0; i < sectorPointerCount; i++ {
		off := sectorsByteOffset + i*4
		d.Sectors[i] = binary.LittleEndian.Uint32(buf[off : off+4])
	}
	return d
}

func (d *onDisk) marshal(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], uint32(d.Length))
	if d.IsDir {
		buf[4] = 1
	} else {
		buf[4] = 0
	}
	buf[5], buf[6], buf[7] = 0, 0, 0
	for i := 0; i < sectorPointerCount; i++ {
		off := sectorsByteOffset + i*4
		binary.LittleEndian.PutUint32(buf[off:off+4], d.Sectors[i])
	}
}
