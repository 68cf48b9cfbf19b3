// Package btree implements the B+Tree access method: an ordered map from
// pre-encoded byte-string keys to blob references, built from node pages
// linked by parent pointers and per-level sibling chains.
package btree

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/datatanker/datatanker/internal/blob"
	"github.com/datatanker/datatanker/internal/pageformat"
)

// ErrKeyNotFound is a key-missing sentinel for callers; Tree's own methods
// report a missing key through their boolean result and never return it.
var ErrKeyNotFound = errors.New("btree: key not found")

// ErrCorruptStructure reports a violated structural invariant (spec §4.5:
// "missing parent pointer, broken sibling chain, unexpected page type").
var ErrCorruptStructure = errors.New("btree: structural invariant violated")

type pageSource interface {
	CreatePage() (pageformat.PageIndex, []byte, error)
	FetchPage(pageformat.PageIndex) ([]byte, error)
	UpdatePage(pageformat.PageIndex, []byte) error
}

type freeSpaceMap interface {
	FindPage(minClass pageformat.SizeClass) (pageformat.PageIndex, error)
	SetClass(pageformat.PageIndex, pageformat.SizeClass) error
	Release(pageformat.PageIndex) error
}

// Tree is one open B+Tree access method.
type Tree struct {
	store        pageSource
	fsm          freeSpaceMap
	blobs        *blob.Allocator
	pageSize     int
	root         pageformat.PageIndex
	onRootChange func(pageformat.PageIndex) error
}

// New attaches a Tree to an already-initialized root page.
func New(store pageSource, fsm freeSpaceMap, blobs *blob.Allocator, pageSize int, root pageformat.PageIndex, onRootChange func(pageformat.PageIndex) error) *Tree {
	return &Tree{store: store, fsm: fsm, blobs: blobs, pageSize: pageSize, root: root, onRootChange: onRootChange}
}

// Initialize creates an empty leaf root page directly through the page
// store (bypassing the FSM scan) so a freshly created storage gets the
// access-method root at the well-known index 2 (spec §3).
func Initialize(store pageSource, fsm freeSpaceMap, pageSize int) (pageformat.PageIndex, error) {
	index, buf, err := store.CreatePage()
	if err != nil {
		return pageformat.NoPage, err
	}
	n := &node{index: index, header: pageformat.BPlusTreeNodePageHeader{
		ParentPageIndex: pageformat.NoPage, PreviousPageIndex: pageformat.NoPage, NextPageIndex: pageformat.NoPage, IsLeaf: true,
	}}
	encoded := encodeNode(n, pageSize)
	copy(buf, encoded)
	if err := store.UpdatePage(index, buf); err != nil {
		return pageformat.NoPage, err
	}
	if err := fsm.SetClass(index, n.header.SizeClass); err != nil {
		return pageformat.NoPage, err
	}
	return index, nil
}

func (t *Tree) RootIndex() pageformat.PageIndex { return t.root }

func (t *Tree) loadNode(index pageformat.PageIndex) (*node, error) {
	buf, err := t.store.FetchPage(index)
	if err != nil {
		return nil, err
	}
	return decodeNode(index, buf)
}

func (t *Tree) saveNode(n *node) error {
	buf := encodeNode(n, t.pageSize)
	if err := t.store.UpdatePage(n.index, buf); err != nil {
		return err
	}
	return t.fsm.SetClass(n.index, n.header.SizeClass)
}

func (t *Tree) allocateNode() (pageformat.PageIndex, error) {
	return t.fsm.FindPage(pageformat.Class7)
}

// search returns the index of key within n.keys and true if present,
// otherwise the insertion position and false.
func search(keys [][]byte, key []byte) (int, bool) {
	i := sort.Search(len(keys), func(i int) bool { return CompareKeys(keys[i], key) >= 0 })
	if i < len(keys) && CompareKeys(keys[i], key) == 0 {
		return i, true
	}
	return i, false
}

// childIndexFor returns which child to descend into for key, per spec
// §4.5: "find the least separator s with key < s; descend into the
// corresponding child. At the rightmost position, descend into the
// rightmost child."
func childIndexFor(n *node, key []byte) int {
	for i, sep := range n.keys {
		if CompareKeys(key, sep) < 0 {
			return i
		}
	}
	return len(n.keys)
}

func (t *Tree) findLeaf(key []byte) (*node, error) {
	index := t.root
	for {
		n, err := t.loadNode(index)
		if err != nil {
			return nil, err
		}
		if n.isLeaf() {
			return n, nil
		}
		child := childIndexFor(n, key)
		if child >= len(n.children) {
			return nil, errors.Wrapf(ErrCorruptStructure, "internal node %d has no child at position %d", n.index, child)
		}
		index = n.children[child]
	}
}

func (t *Tree) leftmostLeaf() (*node, error) {
	index := t.root
	for {
		n, err := t.loadNode(index)
		if err != nil {
			return nil, err
		}
		if n.isLeaf() {
			return n, nil
		}
		if len(n.children) == 0 {
			return nil, errors.Wrapf(ErrCorruptStructure, "internal node %d has no children", n.index)
		}
		index = n.children[0]
	}
}

func (t *Tree) rightmostLeaf() (*node, error) {
	index := t.root
	for {
		n, err := t.loadNode(index)
		if err != nil {
			return nil, err
		}
		if n.isLeaf() {
			return n, nil
		}
		if len(n.children) == 0 {
			return nil, errors.Wrapf(ErrCorruptStructure, "internal node %d has no children", n.index)
		}
		index = n.children[len(n.children)-1]
	}
}

// Get returns the value stored under key.
func (t *Tree) Get(key []byte) ([]byte, bool, error) {
	leaf, err := t.findLeaf(key)
	if err != nil {
		return nil, false, err
	}
	idx, found := search(leaf.keys, key)
	if !found {
		return nil, false, nil
	}
	value, err := t.blobs.Read(leaf.values[idx])
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// Contains reports whether key is present, without reading its value.
func (t *Tree) Contains(key []byte) (bool, error) {
	leaf, err := t.findLeaf(key)
	if err != nil {
		return false, err
	}
	_, found := search(leaf.keys, key)
	return found, nil
}

// Put inserts or overwrites key with value, splitting nodes upward as
// needed (spec §4.5 Insert).
func (t *Tree) Put(key, value []byte) error {
	leaf, err := t.findLeaf(key)
	if err != nil {
		return err
	}
	if idx, found := search(leaf.keys, key); found {
		oldRef := leaf.values[idx]
		newRef, err := t.blobs.Write(value)
		if err != nil {
			return err
		}
		if err := t.blobs.Release(oldRef); err != nil {
			return err
		}
		leaf.values[idx] = newRef
		return t.saveNode(leaf)
	}

	ref, err := t.blobs.Write(value)
	if err != nil {
		return err
	}
	idx, _ := search(leaf.keys, key)
	leaf.keys = insertBytesAt(leaf.keys, idx, key)
	leaf.values = insertRefAt(leaf.values, idx, ref)

	if !leaf.wouldOverflow(t.pageSize, 0) {
		return t.saveNode(leaf)
	}
	return t.splitLeafAndPropagate(leaf)
}

func insertBytesAt(s [][]byte, idx int, v []byte) [][]byte {
	s = append(s, nil)
	copy(s[idx+1:], s[idx:])
	s[idx] = v
	return s
}

func insertRefAt(s []blob.Ref, idx int, v blob.Ref) []blob.Ref {
	s = append(s, blob.Ref{})
	copy(s[idx+1:], s[idx:])
	s[idx] = v
	return s
}

func insertChildAt(s []pageformat.PageIndex, idx int, v pageformat.PageIndex) []pageformat.PageIndex {
	s = append(s, 0)
	copy(s[idx+1:], s[idx:])
	s[idx] = v
	return s
}

func removeBytesAt(s [][]byte, idx int) [][]byte {
	return append(s[:idx], s[idx+1:]...)
}

func removeRefAt(s []blob.Ref, idx int) []blob.Ref {
	return append(s[:idx], s[idx+1:]...)
}

func removeChildAt(s []pageformat.PageIndex, idx int) []pageformat.PageIndex {
	return append(s[:idx], s[idx+1:]...)
}

func (t *Tree) splitLeafAndPropagate(n *node) error {
	mid := len(n.keys) / 2
	rightIndex, err := t.allocateNode()
	if err != nil {
		return err
	}
	right := &node{
		index: rightIndex,
		header: pageformat.BPlusTreeNodePageHeader{
			ParentPageIndex:   n.header.ParentPageIndex,
			PreviousPageIndex: n.index,
			NextPageIndex:     n.header.NextPageIndex,
			IsLeaf:            true,
		},
		keys:   append([][]byte(nil), n.keys[mid:]...),
		values: append([]blob.Ref(nil), n.values[mid:]...),
	}
	oldNext := n.header.NextPageIndex
	n.keys = n.keys[:mid]
	n.values = n.values[:mid]
	n.header.NextPageIndex = rightIndex

	if oldNext != pageformat.NoPage {
		nextNode, err := t.loadNode(oldNext)
		if err != nil {
			return err
		}
		nextNode.header.PreviousPageIndex = rightIndex
		if err := t.saveNode(nextNode); err != nil {
			return err
		}
	}

	splitKey := append([]byte(nil), right.keys[0]...)
	if err := t.saveNode(n); err != nil {
		return err
	}
	if err := t.saveNode(right); err != nil {
		return err
	}
	return t.insertIntoParent(n, splitKey, right)
}

// insertIntoParent links newRight in as oldNode's new right sibling under
// their shared parent, propagating a further split upward if needed, or
// creates a new root if oldNode was the root (spec §4.5).
func (t *Tree) insertIntoParent(oldNode *node, splitKey []byte, newRight *node) error {
	if oldNode.header.ParentPageIndex == pageformat.NoPage {
		newRootIndex, err := t.allocateNode()
		if err != nil {
			return err
		}
		newRoot := &node{
			index:    newRootIndex,
			header:   pageformat.BPlusTreeNodePageHeader{ParentPageIndex: pageformat.NoPage, PreviousPageIndex: pageformat.NoPage, NextPageIndex: pageformat.NoPage, IsLeaf: false},
			keys:     [][]byte{splitKey},
			children: []pageformat.PageIndex{oldNode.index, newRight.index},
		}
		oldNode.header.ParentPageIndex = newRootIndex
		newRight.header.ParentPageIndex = newRootIndex
		if err := t.saveNode(oldNode); err != nil {
			return err
		}
		if err := t.saveNode(newRight); err != nil {
			return err
		}
		if err := t.saveNode(newRoot); err != nil {
			return err
		}
		t.root = newRootIndex
		if t.onRootChange != nil {
			return t.onRootChange(newRootIndex)
		}
		return nil
	}

	parent, err := t.loadNode(oldNode.header.ParentPageIndex)
	if err != nil {
		return err
	}
	pos := indexOfChild(parent.children, oldNode.index)
	if pos < 0 {
		return errors.Wrapf(ErrCorruptStructure, "parent %d has no child pointer to %d", parent.index, oldNode.index)
	}
	parent.keys = insertBytesAt(parent.keys, pos, splitKey)
	parent.children = insertChildAt(parent.children, pos+1, newRight.index)
	newRight.header.ParentPageIndex = parent.index
	if err := t.saveNode(newRight); err != nil {
		return err
	}

	if !parent.wouldOverflow(t.pageSize, 0) {
		return t.saveNode(parent)
	}
	return t.splitInternalAndPropagate(parent)
}

func (t *Tree) splitInternalAndPropagate(n *node) error {
	mid := len(n.keys) / 2
	promoted := append([]byte(nil), n.keys[mid]...)

	rightIndex, err := t.allocateNode()
	if err != nil {
		return err
	}
	right := &node{
		index: rightIndex,
		header: pageformat.BPlusTreeNodePageHeader{
			ParentPageIndex:   n.header.ParentPageIndex,
			PreviousPageIndex: n.index,
			NextPageIndex:     n.header.NextPageIndex,
			IsLeaf:            false,
		},
		keys:     append([][]byte(nil), n.keys[mid+1:]...),
		children: append([]pageformat.PageIndex(nil), n.children[mid+1:]...),
	}
	oldNext := n.header.NextPageIndex
	n.keys = n.keys[:mid]
	n.children = n.children[:mid+1]
	n.header.NextPageIndex = rightIndex

	for _, childIndex := range right.children {
		child, err := t.loadNode(childIndex)
		if err != nil {
			return err
		}
		child.header.ParentPageIndex = right.index
		if err := t.saveNode(child); err != nil {
			return err
		}
	}

	if oldNext != pageformat.NoPage {
		nextNode, err := t.loadNode(oldNext)
		if err != nil {
			return err
		}
		nextNode.header.PreviousPageIndex = rightIndex
		if err := t.saveNode(nextNode); err != nil {
			return err
		}
	}

	if err := t.saveNode(n); err != nil {
		return err
	}
	if err := t.saveNode(right); err != nil {
		return err
	}
	return t.insertIntoParent(n, promoted, right)
}

func indexOfChild(children []pageformat.PageIndex, index pageformat.PageIndex) int {
	for i, c := range children {
		if c == index {
			return i
		}
	}
	return -1
}

// Delete removes key, releasing its value blob, redistributing or merging
// underflowing nodes upward as needed (spec §4.5 Delete).
func (t *Tree) Delete(key []byte) (bool, error) {
	leaf, err := t.findLeaf(key)
	if err != nil {
		return false, err
	}
	idx, found := search(leaf.keys, key)
	if !found {
		return false, nil
	}
	ref := leaf.values[idx]
	leaf.keys = removeBytesAt(leaf.keys, idx)
	leaf.values = removeRefAt(leaf.values, idx)
	if err := t.blobs.Release(ref); err != nil {
		return false, err
	}
	if err := t.saveNode(leaf); err != nil {
		return false, err
	}
	if leaf.index == t.root {
		return true, nil
	}
	if leaf.isUnderflow(t.pageSize) {
		return true, t.fixUnderflow(leaf)
	}
	return true, nil
}

const minEntriesToDonate = 2 // a sibling must keep at least one entry after donating

func (t *Tree) fixUnderflow(n *node) error {
	if n.header.ParentPageIndex == pageformat.NoPage {
		return nil
	}
	parent, err := t.loadNode(n.header.ParentPageIndex)
	if err != nil {
		return err
	}
	pos := indexOfChild(parent.children, n.index)
	if pos < 0 {
		return errors.Wrapf(ErrCorruptStructure, "parent %d has no child pointer to %d", parent.index, n.index)
	}

	if pos > 0 {
		left, err := t.loadNode(parent.children[pos-1])
		if err != nil {
			return err
		}
		if len(left.keys) >= minEntriesToDonate {
			return t.redistributeFromLeft(left, n, parent, pos)
		}
	}
	if pos < len(parent.children)-1 {
		right, err := t.loadNode(parent.children[pos+1])
		if err != nil {
			return err
		}
		if len(right.keys) >= minEntriesToDonate {
			return t.redistributeFromRight(n, right, parent, pos)
		}
	}

	if pos > 0 {
		left, err := t.loadNode(parent.children[pos-1])
		if err != nil {
			return err
		}
		return t.mergeAndPropagate(left, n, parent, pos-1)
	}
	right, err := t.loadNode(parent.children[pos+1])
	if err != nil {
		return err
	}
	return t.mergeAndPropagate(n, right, parent, pos)
}

func (t *Tree) redistributeFromLeft(left, n, parent *node, pos int) error {
	if n.isLeaf() {
		last := len(left.keys) - 1
		movedKey, movedVal := left.keys[last], left.values[last]
		left.keys, left.values = left.keys[:last], left.values[:last]
		n.keys = insertBytesAt(n.keys, 0, movedKey)
		n.values = insertRefAt(n.values, 0, movedVal)
		parent.keys[pos-1] = append([]byte(nil), n.keys[0]...)
	} else {
		lastChild := left.children[len(left.children)-1]
		left.children = left.children[:len(left.children)-1]
		lastKey := left.keys[len(left.keys)-1]
		left.keys = left.keys[:len(left.keys)-1]

		n.keys = insertBytesAt(n.keys, 0, append([]byte(nil), parent.keys[pos-1]...))
		n.children = insertChildAt(n.children, 0, lastChild)
		parent.keys[pos-1] = lastKey

		child, err := t.loadNode(lastChild)
		if err != nil {
			return err
		}
		child.header.ParentPageIndex = n.index
		if err := t.saveNode(child); err != nil {
			return err
		}
	}
	if err := t.saveNode(left); err != nil {
		return err
	}
	if err := t.saveNode(n); err != nil {
		return err
	}
	return t.saveNode(parent)
}

func (t *Tree) redistributeFromRight(n, right, parent *node, pos int) error {
	if n.isLeaf() {
		movedKey, movedVal := right.keys[0], right.values[0]
		right.keys, right.values = right.keys[1:], right.values[1:]
		n.keys = append(n.keys, movedKey)
		n.values = append(n.values, movedVal)
		parent.keys[pos] = append([]byte(nil), right.keys[0]...)
	} else {
		firstChild := right.children[0]
		right.children = right.children[1:]
		firstKey := right.keys[0]
		right.keys = right.keys[1:]

		n.keys = append(n.keys, append([]byte(nil), parent.keys[pos]...))
		n.children = append(n.children, firstChild)
		parent.keys[pos] = firstKey

		child, err := t.loadNode(firstChild)
		if err != nil {
			return err
		}
		child.header.ParentPageIndex = n.index
		if err := t.saveNode(child); err != nil {
			return err
		}
	}
	if err := t.saveNode(right); err != nil {
		return err
	}
	if err := t.saveNode(n); err != nil {
		return err
	}
	return t.saveNode(parent)
}

// mergeAndPropagate merges right into left (left absorbs right's entries),
// removes the separator at parentSepPos from parent, frees right's page,
// and recursively fixes parent's own underflow or collapses the root.
func (t *Tree) mergeAndPropagate(left, right, parent *node, parentSepPos int) error {
	if left.isLeaf() {
		left.keys = append(left.keys, right.keys...)
		left.values = append(left.values, right.values...)
		left.header.NextPageIndex = right.header.NextPageIndex
		if right.header.NextPageIndex != pageformat.NoPage {
			nextNode, err := t.loadNode(right.header.NextPageIndex)
			if err != nil {
				return err
			}
			nextNode.header.PreviousPageIndex = left.index
			if err := t.saveNode(nextNode); err != nil {
				return err
			}
		}
	} else {
		left.keys = append(left.keys, append([]byte(nil), parent.keys[parentSepPos]...))
		left.keys = append(left.keys, right.keys...)
		left.children = append(left.children, right.children...)
		for _, childIndex := range right.children {
			child, err := t.loadNode(childIndex)
			if err != nil {
				return err
			}
			child.header.ParentPageIndex = left.index
			if err := t.saveNode(child); err != nil {
				return err
			}
		}
		left.header.NextPageIndex = right.header.NextPageIndex
		if right.header.NextPageIndex != pageformat.NoPage {
			nextNode, err := t.loadNode(right.header.NextPageIndex)
			if err != nil {
				return err
			}
			nextNode.header.PreviousPageIndex = left.index
			if err := t.saveNode(nextNode); err != nil {
				return err
			}
		}
	}

	if err := t.fsm.Release(right.index); err != nil {
		return err
	}
	parent.keys = removeBytesAt(parent.keys, parentSepPos)
	parent.children = removeChildAt(parent.children, parentSepPos+1)

	if err := t.saveNode(left); err != nil {
		return err
	}

	if parent.index == t.root {
		if len(parent.children) == 1 {
			onlyChildIndex := parent.children[0]
			child, err := t.loadNode(onlyChildIndex)
			if err != nil {
				return err
			}
			child.header.ParentPageIndex = pageformat.NoPage
			if err := t.saveNode(child); err != nil {
				return err
			}
			if err := t.fsm.Release(parent.index); err != nil {
				return err
			}
			t.root = onlyChildIndex
			if t.onRootChange != nil {
				return t.onRootChange(onlyChildIndex)
			}
			return nil
		}
		return t.saveNode(parent)
	}

	if err := t.saveNode(parent); err != nil {
		return err
	}
	if parent.isUnderflow(t.pageSize) {
		return t.fixUnderflow(parent)
	}
	return nil
}

// MinKey returns the smallest key in the tree.
func (t *Tree) MinKey() ([]byte, bool, error) {
	leaf, err := t.leftmostLeaf()
	if err != nil {
		return nil, false, err
	}
	if len(leaf.keys) == 0 {
		return nil, false, nil
	}
	return leaf.keys[0], true, nil
}

// MaxKey returns the largest key in the tree.
func (t *Tree) MaxKey() ([]byte, bool, error) {
	leaf, err := t.rightmostLeaf()
	if err != nil {
		return nil, false, err
	}
	if len(leaf.keys) == 0 {
		return nil, false, nil
	}
	return leaf.keys[len(leaf.keys)-1], true, nil
}

// NextKey returns the smallest key strictly greater than key.
func (t *Tree) NextKey(key []byte) ([]byte, bool, error) {
	leaf, err := t.findLeaf(key)
	if err != nil {
		return nil, false, err
	}
	idx, found := search(leaf.keys, key)
	if found {
		idx++
	}
	for {
		if idx < len(leaf.keys) {
			return leaf.keys[idx], true, nil
		}
		if leaf.header.NextPageIndex == pageformat.NoPage {
			return nil, false, nil
		}
		leaf, err = t.loadNode(leaf.header.NextPageIndex)
		if err != nil {
			return nil, false, err
		}
		idx = 0
	}
}

// PreviousKey returns the largest key strictly less than key.
func (t *Tree) PreviousKey(key []byte) ([]byte, bool, error) {
	leaf, err := t.findLeaf(key)
	if err != nil {
		return nil, false, err
	}
	idx, _ := search(leaf.keys, key)
	idx--
	for {
		if idx >= 0 {
			return leaf.keys[idx], true, nil
		}
		if leaf.header.PreviousPageIndex == pageformat.NoPage {
			return nil, false, nil
		}
		leaf, err = t.loadNode(leaf.header.PreviousPageIndex)
		if err != nil {
			return nil, false, err
		}
		idx = len(leaf.keys) - 1
	}
}

// Scan calls visit for every (key, value) pair with lower <= key <= upper
// in ascending order, stopping early if visit returns false. A nil bound
// is unbounded on that side.
func (t *Tree) Scan(lower, upper []byte, visit func(key, value []byte) (bool, error)) error {
	var leaf *node
	var err error
	if lower == nil {
		leaf, err = t.leftmostLeaf()
	} else {
		leaf, err = t.findLeaf(lower)
	}
	if err != nil {
		return err
	}
	idx := 0
	if lower != nil {
		idx, _ = search(leaf.keys, lower)
	}
	for {
		for ; idx < len(leaf.keys); idx++ {
			key := leaf.keys[idx]
			if upper != nil && CompareKeys(key, upper) > 0 {
				return nil
			}
			value, err := t.blobs.Read(leaf.values[idx])
			if err != nil {
				return err
			}
			cont, err := visit(key, value)
			if err != nil {
				return err
			}
			if !cont {
				return nil
			}
		}
		if leaf.header.NextPageIndex == pageformat.NoPage {
			return nil
		}
		leaf, err = t.loadNode(leaf.header.NextPageIndex)
		if err != nil {
			return err
		}
		idx = 0
	}
}

// Count walks every leaf and returns the total number of entries.
func (t *Tree) Count() (int, error) {
	leaf, err := t.leftmostLeaf()
	if err != nil {
		return 0, err
	}
	total := 0
	for {
		total += len(leaf.keys)
		if leaf.header.NextPageIndex == pageformat.NoPage {
			return total, nil
		}
		leaf, err = t.loadNode(leaf.header.NextPageIndex)
		if err != nil {
			return 0, err
		}
	}
}
