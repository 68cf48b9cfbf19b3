package btree

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/datatanker/datatanker/internal/blob"
	"github.com/datatanker/datatanker/internal/pageformat"
)

// node is the decoded, in-memory form of one B+Tree node page. Mutations
// happen on this struct and are flushed back by re-encoding the whole
// body, trading the slotted-directory's partial-update speed for a much
// simpler, easier-to-get-right split/merge implementation.
type node struct {
	index  pageformat.PageIndex
	header pageformat.BPlusTreeNodePageHeader

	keys [][]byte

	// Leaf-only.
	values []blob.Ref

	// Internal-only: len(children) == len(keys)+1.
	children []pageformat.PageIndex
}

func (n *node) isLeaf() bool { return n.header.IsLeaf }

// entryCountPrefixSize is a 2-byte count of keys written before the entry
// list itself, so decode never has to infer "end of entries" from a
// sentinel value that a genuine zero-length key could also produce.
const entryCountPrefixSize = 2

// encodedSize returns how many bytes the current contents would occupy in
// the page body, not counting the 30-byte BPlusTreeNodePageHeader.
func (n *node) encodedSize() int {
	if n.isLeaf() {
		size := entryCountPrefixSize
		for _, k := range n.keys {
			size += 4 + len(k) + 8 + 1 // keyLen + key + startPageIndex + sizeClass
		}
		return size
	}
	size := entryCountPrefixSize + 8 // count + first child pointer
	for _, k := range n.keys {
		size += 4 + len(k) + 8
	}
	return size
}

func usableNodeBytes(pageSize int) int {
	return pageformat.UsableBytes(pageSize, pageformat.BPlusTreeNodeHeaderLength)
}

// wouldOverflow reports whether adding extraBytes of entry payload would
// leave negative free space in a page of pageSize (spec §4.5).
func (n *node) wouldOverflow(pageSize, extraBytes int) bool {
	return n.encodedSize()+extraBytes > usableNodeBytes(pageSize)
}

// isUnderflow reports whether the node's free space exceeds half the
// usable area (spec §4.5).
func (n *node) isUnderflow(pageSize int) bool {
	usable := usableNodeBytes(pageSize)
	free := usable - n.encodedSize()
	return free > usable/2
}

func encodeNode(n *node, pageSize int) []byte {
	buf := pageformat.NewZeroPage(pageSize)
	body := buf[pageformat.BPlusTreeNodeHeaderLength:]
	offset := 0
	binary.LittleEndian.PutUint16(body[offset:], uint16(len(n.keys)))
	offset += entryCountPrefixSize
	if n.isLeaf() {
		for i, k := range n.keys {
			binary.LittleEndian.PutUint32(body[offset:], uint32(len(k)))
			offset += 4
			copy(body[offset:], k)
			offset += len(k)
			binary.LittleEndian.PutUint64(body[offset:], uint64(n.values[i].StartPageIndex))
			offset += 8
			body[offset] = byte(n.values[i].SizeClass)
			offset++
		}
	} else {
		child0 := pageformat.NoPage
		if len(n.children) > 0 {
			child0 = n.children[0]
		}
		binary.LittleEndian.PutUint64(body[offset:], uint64(child0))
		offset += 8
		for i, k := range n.keys {
			binary.LittleEndian.PutUint32(body[offset:], uint32(len(k)))
			offset += 4
			copy(body[offset:], k)
			offset += len(k)
			binary.LittleEndian.PutUint64(body[offset:], uint64(n.children[i+1]))
			offset += 8
		}
	}
	usable := usableNodeBytes(pageSize)
	class := pageformat.ClassifyFreeBytes(usable-offset, usable)
	n.header.SizeClass = class
	pageformat.MarshalBPlusTreeNodeHeader(n.header, buf)
	return buf
}

func decodeNode(index pageformat.PageIndex, buf []byte) (*node, error) {
	common := pageformat.UnmarshalCommonHeader(buf)
	if common.Type != pageformat.PageTypeBPlusTreeNode {
		return nil, errors.Errorf("btree: page %d is not a BPlusTreeNode (type=%v)", index, common.Type)
	}
	header := pageformat.UnmarshalBPlusTreeNodeHeader(buf)
	n := &node{index: index, header: header}
	body := buf[pageformat.BPlusTreeNodeHeaderLength:]
	offset := 0
	count := int(binary.LittleEndian.Uint16(body[offset:]))
	offset += entryCountPrefixSize
	if header.IsLeaf {
		n.keys = make([][]byte, 0, count)
		n.values = make([]blob.Ref, 0, count)
		for i := 0; i < count; i++ {
			klen := binary.LittleEndian.Uint32(body[offset:])
			offset += 4
			key := append([]byte(nil), body[offset:offset+int(klen)]...)
			offset += int(klen)
			start := pageformat.PageIndex(binary.LittleEndian.Uint64(body[offset:]))
			offset += 8
			class := pageformat.SizeClass(body[offset])
			offset++
			n.keys = append(n.keys, key)
			n.values = append(n.values, blob.Ref{StartPageIndex: start, SizeClass: class})
		}
	} else {
		firstChild := pageformat.PageIndex(binary.LittleEndian.Uint64(body[offset:]))
		offset += 8
		n.children = append(n.children, firstChild)
		n.keys = make([][]byte, 0, count)
		for i := 0; i < count; i++ {
			klen := binary.LittleEndian.Uint32(body[offset:])
			offset += 4
			key := append([]byte(nil), body[offset:offset+int(klen)]...)
			offset += int(klen)
			child := pageformat.PageIndex(binary.LittleEndian.Uint64(body[offset:]))
			offset += 8
			n.keys = append(n.keys, key)
			n.children = append(n.children, child)
		}
	}
	return n, nil
}
