package pagestore

import (
	"github.com/datatanker/datatanker/internal/pageformat"
	"github.com/valyala/bytebufferpool"
)

// frame is one cached page buffer plus its dirty bit and LRU links.
// Mirrors the teacher's PageFrame / PageBufferPool (internal/storage/pager/pager.go)
// but without pin counts or LSNs — this engine has no WAL to order against,
// only a dirty/clean distinction that Flush resolves.
type frame struct {
	index pageformat.PageIndex
	buf   []byte
	bb    *bytebufferpool.ByteBuffer // non-nil if buf was checked out from the pool
	dirty bool
	prev  *frame
	next  *frame
}

// lruCache is a bounded LRU cache of page buffers with write-back on
// eviction. Cache coherence requires that Get always reflects the most
// recent Put, which holds here because eviction always flushes dirty
// frames through writeBack before dropping them.
type lruCache struct {
	capacity int
	pageSize int
	pool     bytebufferpool.Pool
	frames   map[pageformat.PageIndex]*frame
	head     *frame
	tail     *frame
	writeBack func(pageformat.PageIndex, []byte) error
}

func newLRUCache(capacity, pageSize int, writeBack func(pageformat.PageIndex, []byte) error) *lruCache {
	if capacity <= 0 {
		capacity = 256
	}
	return &lruCache{
		capacity:  capacity,
		pageSize:  pageSize,
		frames:    make(map[pageformat.PageIndex]*frame, capacity),
		writeBack: writeBack,
	}
}

// acquireBuf checks out a pageSize-length buffer from the pool.
func (c *lruCache) acquireBuf() ([]byte, *bytebufferpool.ByteBuffer) {
	bb := c.pool.Get()
	if cap(bb.B) < c.pageSize {
		bb.B = make([]byte, c.pageSize)
	} else {
		bb.B = bb.B[:c.pageSize]
		for i := range bb.B {
			bb.B[i] = 0
		}
	}
	return bb.B, bb
}

func (c *lruCache) get(index pageformat.PageIndex) ([]byte, bool) {
	f, ok := c.frames[index]
	if !ok {
		return nil, false
	}
	c.moveToFront(f)
	return f.buf, true
}

// put inserts or refreshes the cached buffer for index, evicting the LRU
// tail (after writing it back if dirty) when the cache is full.
func (c *lruCache) put(index pageformat.PageIndex, buf []byte, bb *bytebufferpool.ByteBuffer, dirty bool) error {
	if f, ok := c.frames[index]; ok {
		copy(f.buf, buf)
		f.dirty = f.dirty || dirty
		c.moveToFront(f)
		return nil
	}
	for len(c.frames) >= c.capacity && c.tail != nil {
		if err := c.evictTail(); err != nil {
			return err
		}
	}
	f := &frame{index: index, buf: buf, bb: bb, dirty: dirty}
	c.frames[index] = f
	c.pushFront(f)
	return nil
}

func (c *lruCache) markDirty(index pageformat.PageIndex) {
	if f, ok := c.frames[index]; ok {
		f.dirty = true
	}
}

func (c *lruCache) remove(index pageformat.PageIndex) {
	f, ok := c.frames[index]
	if !ok {
		return
	}
	c.unlink(f)
	delete(c.frames, index)
	c.release(f)
}

func (c *lruCache) release(f *frame) {
	if f.bb != nil {
		c.pool.Put(f.bb)
	}
}

func (c *lruCache) evictTail() error {
	f := c.tail
	if f == nil {
		return nil
	}
	if f.dirty {
		if err := c.writeBack(f.index, f.buf); err != nil {
			return err
		}
	}
	c.unlink(f)
	delete(c.frames, f.index)
	c.release(f)
	return nil
}

// flushAll writes back every dirty frame without evicting it.
func (c *lruCache) flushAll() error {
	for f := c.head; f != nil; f = f.next {
		if f.dirty {
			if err := c.writeBack(f.index, f.buf); err != nil {
				return err
			}
			f.dirty = false
		}
	}
	return nil
}

func (c *lruCache) dirtyCount() int {
	n := 0
	for f := c.head; f != nil; f = f.next {
		if f.dirty {
			n++
		}
	}
	return n
}

func (c *lruCache) pushFront(f *frame) {
	f.prev = nil
	f.next = c.head
	if c.head != nil {
		c.head.prev = f
	}
	c.head = f
	if c.tail == nil {
		c.tail = f
	}
}

func (c *lruCache) unlink(f *frame) {
	if f.prev != nil {
		f.prev.next = f.next
	} else {
		c.head = f.next
	}
	if f.next != nil {
		f.next.prev = f.prev
	} else {
		c.tail = f.prev
	}
	f.prev, f.next = nil, nil
}

func (c *lruCache) moveToFront(f *frame) {
	if c.head == f {
		return
	}
	c.unlink(f)
	c.pushFront(f)
}
