// Package entry defines the index item stored by the hash index: a
// precomputed 32-bit hash code plus the heap row it references.
package entry

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Size is the on-page size of a marshalled Item in bytes.
const Size = 10

// ItemPointer identifies a row in the heap by block number and slot.
type ItemPointer struct {
	Block uint32
	Slot  uint16
}

// Item is one hash index entry. Items on a page are kept sorted by Hash;
// ties keep insertion order.
type Item struct {
	Hash uint32
	Ptr  ItemPointer
}

// New constructs an Item from a hash code and a row pointer.
func New(hash uint32, ptr ItemPointer) Item {
	return Item{Hash: hash, Ptr: ptr}
}

// Marshal serializes the item into its fixed-width little-endian form.
func (item Item) Marshal() []byte {
	buf := make([]byte, Size)
	binary.LittleEndian.PutUint32(buf[0:4], item.Hash)
	binary.LittleEndian.PutUint32(buf[4:8], item.Ptr.Block)
	binary.LittleEndian.PutUint16(buf[8:10], item.Ptr.Slot)
	return buf
}

// Unmarshal deserializes an item from its on-page form.
func Unmarshal(data []byte) Item {
	return Item{
		Hash: binary.LittleEndian.Uint32(data[0:4]),
		Ptr: ItemPointer{
			Block: binary.LittleEndian.Uint32(data[4:8]),
			Slot:  binary.LittleEndian.Uint16(data[8:10]),
		},
	}
}

// Print writes a string representation of this item to the specified writer.
func (item Item) Print(w io.Writer) {
	io.WriteString(w, fmt.Sprintf("(%#08x -> %d/%d), ", item.Hash, item.Ptr.Block, item.Ptr.Slot))
}
