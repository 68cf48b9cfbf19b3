// Package pagestore is the lowest storage layer: it turns a single backing
// file into an array of fixed-size pages addressed by PageIndex, cached
// through a bounded LRU and guarded for exclusive single-process access by
// an advisory OS file lock. Nothing above this layer understands the bytes
// it moves; that is internal/pageformat's job.
package pagestore

import (
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/datatanker/datatanker/internal/pageformat"
)

// ErrStorageFormat is returned when the backing file's size is not a whole
// multiple of the configured page size.
var ErrStorageFormat = errors.New("pagestore: file size is not a multiple of the page size")

// ErrAlreadyOpen is returned by Lock when another handle already holds the
// advisory lock on the backing file.
var ErrAlreadyOpen = errors.New("pagestore: storage is already open elsewhere")

// ErrDisposed is returned by any operation performed after Close.
var ErrDisposed = errors.New("pagestore: store is closed")

// Store is the raw paged-file substrate. All of its methods are safe to
// call only while the caller holds whatever higher-level single-writer
// mutex guards the storage (this layer does not add its own); the file
// lock it takes is advisory OS-level mutual exclusion between processes,
// not an in-process concurrency primitive.
type Store struct {
	file     *os.File
	pageSize int
	count    int64 // number of pages currently in the file
	cache    *lruCache
	locked   bool
	disposed bool
}

// CreateNewSpace creates a brand-new, empty backing file at path and takes
// the advisory lock on it. It fails if a file already exists at path.
func CreateNewSpace(path string, pageSize, cacheCapacity int) (*Store, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "pagestore: create new space")
	}
	s := &Store{file: f, pageSize: pageSize}
	s.cache = newLRUCache(cacheCapacity, pageSize, s.writeThroughToDisk)
	if err := s.Lock(); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	return s, nil
}

// OpenExistingSpace opens a pre-existing backing file at path and takes the
// advisory lock on it. It fails if the file's length is not an exact
// multiple of pageSize.
func OpenExistingSpace(path string, pageSize, cacheCapacity int) (*Store, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "pagestore: open existing space")
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "pagestore: stat existing space")
	}
	if info.Size()%int64(pageSize) != 0 {
		f.Close()
		return nil, ErrStorageFormat
	}
	s := &Store{file: f, pageSize: pageSize, count: info.Size() / int64(pageSize)}
	s.cache = newLRUCache(cacheCapacity, pageSize, s.writeThroughToDisk)
	if err := s.Lock(); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

// CanCreate reports whether a new space could be created at path, i.e. no
// file currently occupies it.
func CanCreate(path string) bool {
	_, err := os.Stat(path)
	return os.IsNotExist(err)
}

// Lock takes the advisory OS file lock for the duration this Store stays
// open. CreateNewSpace and OpenExistingSpace call this automatically;
// exposed separately so a caller that reopens a Store (after Unlock) can
// reacquire it.
func (s *Store) Lock() error {
	if s.locked {
		return nil
	}
	if err := lockFile(s.file); err != nil {
		return ErrAlreadyOpen
	}
	s.locked = true
	return nil
}

// Unlock releases the advisory file lock without closing the file.
func (s *Store) Unlock() error {
	if !s.locked {
		return nil
	}
	s.locked = false
	return unlockFile(s.file)
}

// PageSize returns the fixed page size this store was opened with.
func (s *Store) PageSize() int { return s.pageSize }

// PageCount returns the number of pages currently in the backing file.
func (s *Store) PageCount() int64 {
	return s.count
}

// CreatePage extends the backing file by one page and returns its index
// together with a zero-initialized buffer the caller may fill in. The page
// is only durably part of the file once Flush or a cache eviction writes
// it back; until then it lives in the cache as a dirty frame.
func (s *Store) CreatePage() (pageformat.PageIndex, []byte, error) {
	if s.disposed {
		return pageformat.NoPage, nil, ErrDisposed
	}
	index := pageformat.PageIndex(s.count)
	s.count++
	buf, bb := s.cache.acquireBuf()
	if err := s.cache.put(index, buf, bb, true); err != nil {
		return pageformat.NoPage, nil, err
	}
	return index, buf, nil
}

// FetchPage returns the buffer for index, reading through to disk on a
// cache miss. The returned slice is owned by the cache; callers that
// mutate it must call UpdatePage to mark it dirty.
func (s *Store) FetchPage(index pageformat.PageIndex) ([]byte, error) {
	if s.disposed {
		return nil, ErrDisposed
	}
	if buf, ok := s.cache.get(index); ok {
		return buf, nil
	}
	if int64(index) < 0 || int64(index) >= s.count {
		return nil, errors.Errorf("pagestore: page index %d out of range [0,%d)", index, s.count)
	}
	buf, bb := s.cache.acquireBuf()
	if _, err := s.file.ReadAt(buf, int64(index)*int64(s.pageSize)); err != nil && err != io.EOF {
		return nil, errors.Wrapf(err, "pagestore: read page %d", index)
	}
	if err := s.cache.put(index, buf, bb, false); err != nil {
		return nil, err
	}
	return buf, nil
}

// UpdatePage marks the in-cache buffer for index dirty, scheduling it for
// write-back on eviction or Flush. When buf is the slice FetchPage or
// CreatePage returned for index, the frame is only marked dirty; any other
// buffer is copied into the cached frame, or cached as a new dirty frame
// if index is not cached.
func (s *Store) UpdatePage(index pageformat.PageIndex, buf []byte) error {
	if s.disposed {
		return ErrDisposed
	}
	if existing, ok := s.cache.get(index); ok && &existing[0] == &buf[0] {
		s.cache.markDirty(index)
		return nil
	}
	// buf did not come from this cache's pool (e.g. a caller-owned scratch
	// buffer), so it is stored without an associated pool checkout.
	return s.cache.put(index, buf, nil, true)
}

// RemovePage drops index from the cache and, when it is the last page in
// the file, truncates the file so the page count shrinks. A non-trailing
// index is left as a stable, now-unmanaged slot: its content is zeroed so
// stale bytes never resurface, but the index itself stays valid until a
// higher layer (the free-space map) reassigns it. This preserves index
// stability for every page that has not itself been removed.
func (s *Store) RemovePage(index pageformat.PageIndex) error {
	if s.disposed {
		return ErrDisposed
	}
	zero := pageformat.NewZeroPage(s.pageSize)
	if err := s.UpdatePage(index, zero); err != nil {
		return err
	}
	if int64(index) == s.count-1 {
		s.cache.remove(index)
		s.count--
		if err := s.file.Truncate(s.count * int64(s.pageSize)); err != nil {
			return errors.Wrap(err, "pagestore: truncate")
		}
	}
	return nil
}

// Flush writes every dirty cached page back to the backing file and syncs
// it, matching the engine's flush-on-demand durability model. There is no
// WAL: dirty pages are written one at a time in cache order, so a crash
// during Flush can leave some pages of a multi-page change on disk and
// others not, and the resulting file may fail to open.
func (s *Store) Flush() error {
	if s.disposed {
		return ErrDisposed
	}
	if err := s.cache.flushAll(); err != nil {
		return err
	}
	return s.file.Sync()
}

// Close flushes pending writes, releases the advisory lock, and closes the
// backing file handle. The Store must not be used afterward.
func (s *Store) Close() error {
	if s.disposed {
		return nil
	}
	flushErr := s.Flush()
	unlockErr := s.Unlock()
	closeErr := s.file.Close()
	s.disposed = true
	if flushErr != nil {
		return flushErr
	}
	if unlockErr != nil {
		return unlockErr
	}
	return closeErr
}

func (s *Store) writeThroughToDisk(index pageformat.PageIndex, buf []byte) error {
	_, err := s.file.WriteAt(buf, int64(index)*int64(s.pageSize))
	if err != nil {
		return errors.Wrapf(err, "pagestore: write page %d", index)
	}
	return nil
}
