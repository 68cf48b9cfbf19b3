// Package datatanker is an embedded, single-process, single-writer
// key-value storage engine. It persists an ordered map of byte-string
// keys to arbitrarily large byte-string values in a directory on local
// disk, built from a paged file, a free-space map, a blob allocator for
// out-of-line values, and a B+Tree access method.
package datatanker

import (
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/datatanker/datatanker/internal/blob"
	"github.com/datatanker/datatanker/internal/btree"
	"github.com/datatanker/datatanker/internal/fsm"
	"github.com/datatanker/datatanker/internal/pageformat"
	"github.com/datatanker/datatanker/internal/pagestore"
)

// dataFileName is the paged file inside a storage directory (spec §6).
const dataFileName = "storage.dat"

// headingPageIndex and fsmRootPageIndex are the well-known page indices
// for a freshly created storage (spec §3: "Page 0 is the heading; page 1
// is the first FSM page; page 2 is the access-method root."). The tree
// root lands on page 2 because btree.Initialize allocates the next page
// after the FSM root.
const (
	headingPageIndex = pageformat.PageIndex(0)
	fsmRootPageIndex = pageformat.PageIndex(1)
)

// Storage is one open DataTanker storage. All exported methods are safe
// for concurrent use from multiple goroutines: they are serialized by an
// internal mutex, matching the engine's single-writer model (spec §5).
type Storage struct {
	mu sync.Mutex

	path     string
	pageSize int
	info     storageInfo

	store     *pagestore.Store
	freeSpace *fsm.Map
	blobs     *blob.Allocator
	tree      *btree.Tree

	heading pageformat.HeadingPageHeader

	scheduler *FlushScheduler
	open      bool
}

// CreateNew creates a brand-new storage directory at path. It fails with
// DuplicateStorageError if a storage already exists there.
func CreateNew(path string, opts Options) (*Storage, error) {
	opts = opts.withDefaults()
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, wrapIOError(err, "create storage directory")
	}
	if _, err := os.Stat(filepath.Join(path, infoFileName)); err == nil {
		return nil, newDuplicateStorageError("a storage already exists at " + path)
	}

	info := storageInfo{ClrTypeName: storageClrTypeName, StorageID: newStorageID()}
	if err := writeInfoFile(path, info); err != nil {
		return nil, err
	}

	store, err := pagestore.CreateNewSpace(filepath.Join(path, dataFileName), opts.PageSize, opts.CachePages)
	if err != nil {
		if errors_IsAlreadyOpen(err) {
			return nil, newAlreadyOpenError(err.Error())
		}
		return nil, wrapIOError(err, "create backing file")
	}

	s := &Storage{path: path, pageSize: opts.PageSize, info: info, store: store}
	if err := s.initializeFreshLayout(); err != nil {
		store.Close()
		return nil, err
	}
	if err := s.startScheduler(opts); err != nil {
		store.Close()
		return nil, err
	}
	s.open = true
	log.Printf("datatanker: created storage at %s (page size %s)", path, humanize.Bytes(uint64(opts.PageSize)))
	return s, nil
}

// OpenExisting opens a previously created storage directory at path.
func OpenExisting(path string, opts Options) (*Storage, error) {
	opts = opts.withDefaults()
	opts, err := loadOptionsOverlay(path, opts)
	if err != nil {
		return nil, err
	}
	info, err := readInfoFile(path)
	if err != nil {
		return nil, err
	}
	if info.ClrTypeName != storageClrTypeName {
		return nil, newNotSupportedError("info sidecar type tag " + info.ClrTypeName + " is not " + storageClrTypeName)
	}

	dataPath := filepath.Join(path, dataFileName)
	store, err := pagestore.OpenExistingSpace(dataPath, opts.PageSize, opts.CachePages)
	if err != nil {
		if errors_IsStorageFormat(err) {
			// A file written with another page size usually fails the
			// length check first; report that as a page-size mismatch.
			if f, openErr := os.Open(dataPath); openErr == nil {
				head := make([]byte, pageformat.HeadingHeaderLength)
				_, readErr := f.ReadAt(head, 0)
				f.Close()
				if readErr == nil && pageformat.UnmarshalCommonHeader(head).Type == pageformat.PageTypeHeading &&
					pageformat.UnmarshalHeadingHeader(head).PageSize != uint32(opts.PageSize) {
					return nil, newNotSupportedError("storage page size disagrees with the opening engine")
				}
			}
			return nil, newStorageFormatError(err.Error())
		}
		if errors_IsAlreadyOpen(err) {
			return nil, newAlreadyOpenError(err.Error())
		}
		return nil, wrapIOError(err, "open backing file")
	}

	s := &Storage{path: path, pageSize: opts.PageSize, info: info, store: store}
	if err := s.loadExistingLayout(opts); err != nil {
		store.Close()
		return nil, err
	}
	if err := s.startScheduler(opts); err != nil {
		store.Close()
		return nil, err
	}
	s.open = true
	log.Printf("datatanker: opened storage at %s (%s pages)", path, humanize.Comma(s.store.PageCount()))
	return s, nil
}

// OpenOrCreate opens path if a storage already exists there, or creates
// one otherwise.
func OpenOrCreate(path string, opts Options) (*Storage, error) {
	if _, err := os.Stat(filepath.Join(path, infoFileName)); err == nil {
		return OpenExisting(path, opts)
	}
	return CreateNew(path, opts)
}

func (s *Storage) initializeFreshLayout() error {
	_, headingBuf, err := s.store.CreatePage()
	if err != nil {
		return wrapIOError(err, "allocate heading page")
	}

	fsmRoot, err := fsm.Initialize(s.store, s.pageSize, pageformat.PageIndex(2))
	if err != nil {
		return wrapIOError(err, "initialize free-space map")
	}
	s.freeSpace = fsm.New(s.store, s.pageSize, fsmRoot)
	s.blobs = blob.New(s.store, s.freeSpace, s.pageSize)

	treeRoot, err := btree.Initialize(s.store, s.freeSpace, s.pageSize)
	if err != nil {
		return wrapIOError(err, "initialize access method root")
	}
	s.tree = btree.New(s.store, s.freeSpace, s.blobs, s.pageSize, treeRoot, s.onRootChange)

	s.heading = pageformat.HeadingPageHeader{
		PageSize:               uint32(s.pageSize),
		OnDiskStructureVersion: OnDiskStructureVersion,
		AccessMethod:           pageformat.AccessMethodBPlusTree,
		FsmPageIndex:           fsmRoot,
		AccessMethodPageIndex:  treeRoot,
	}
	pageformat.MarshalHeadingHeader(s.heading, headingBuf)
	if err := s.store.UpdatePage(headingPageIndex, headingBuf); err != nil {
		return wrapIOError(err, "write heading page")
	}
	return s.store.Flush()
}

func (s *Storage) loadExistingLayout(opts Options) error {
	headingBuf, err := s.store.FetchPage(headingPageIndex)
	if err != nil {
		return wrapIOError(err, "fetch heading page")
	}
	heading := pageformat.UnmarshalHeadingHeader(headingBuf)
	common := pageformat.UnmarshalCommonHeader(headingBuf)
	if common.Type != pageformat.PageTypeHeading {
		return newStorageFormatError("page 0 is not a Heading page")
	}
	if heading.PageSize != uint32(s.pageSize) {
		return newNotSupportedError("storage page size disagrees with the opening engine")
	}
	if heading.OnDiskStructureVersion != OnDiskStructureVersion {
		return newNotSupportedError("storage structure version disagrees with the opening engine")
	}
	if heading.AccessMethod != pageformat.AccessMethodBPlusTree {
		return newNotSupportedError("storage access method disagrees with the opening engine")
	}
	s.heading = heading
	s.freeSpace = fsm.New(s.store, s.pageSize, heading.FsmPageIndex)
	s.blobs = blob.New(s.store, s.freeSpace, s.pageSize)
	s.tree = btree.New(s.store, s.freeSpace, s.blobs, s.pageSize, heading.AccessMethodPageIndex, s.onRootChange)
	return nil
}

// onRootChange is called by the tree whenever a split or merge changes the
// access-method root, so the heading page stays authoritative.
func (s *Storage) onRootChange(newRoot pageformat.PageIndex) error {
	s.heading.AccessMethodPageIndex = newRoot
	buf, err := s.store.FetchPage(headingPageIndex)
	if err != nil {
		return wrapIOError(err, "fetch heading page for root update")
	}
	pageformat.MarshalHeadingHeader(s.heading, buf)
	if err := s.store.UpdatePage(headingPageIndex, buf); err != nil {
		return wrapIOError(err, "persist updated access-method root")
	}
	return nil
}

func (s *Storage) requireOpen() error {
	if !s.open {
		return newNotOpenError("storage is not open")
	}
	return nil
}

// IsOpen reports whether the storage is currently open.
func (s *Storage) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// PageSize returns the fixed page size this storage was created with.
func (s *Storage) PageSize() int { return s.pageSize }

// Put inserts or overwrites key with value.
func (s *Storage) Put(key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireOpen(); err != nil {
		return err
	}
	if err := s.tree.Put(key, value); err != nil {
		return s.classifyTreeError(err)
	}
	return nil
}

// Get returns the value stored under key.
func (s *Storage) Get(key []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireOpen(); err != nil {
		return nil, err
	}
	value, found, err := s.tree.Get(key)
	if err != nil {
		return nil, s.classifyTreeError(err)
	}
	if !found {
		return nil, newValueNotFoundError("key not found")
	}
	return value, nil
}

// Contains reports whether key is present.
func (s *Storage) Contains(key []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireOpen(); err != nil {
		return false, err
	}
	found, err := s.tree.Contains(key)
	if err != nil {
		return false, s.classifyTreeError(err)
	}
	return found, nil
}

// Remove deletes key, reporting whether it was present.
func (s *Storage) Remove(key []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireOpen(); err != nil {
		return false, err
	}
	removed, err := s.tree.Delete(key)
	if err != nil {
		return false, s.classifyTreeError(err)
	}
	return removed, nil
}

// Count returns the number of entries currently stored.
func (s *Storage) Count() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireOpen(); err != nil {
		return 0, err
	}
	n, err := s.tree.Count()
	if err != nil {
		return 0, s.classifyTreeError(err)
	}
	return n, nil
}

// MinKey returns the smallest key currently stored.
func (s *Storage) MinKey() ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireOpen(); err != nil {
		return nil, false, err
	}
	key, found, err := s.tree.MinKey()
	return key, found, s.classifyTreeError(err)
}

// MaxKey returns the largest key currently stored.
func (s *Storage) MaxKey() ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireOpen(); err != nil {
		return nil, false, err
	}
	key, found, err := s.tree.MaxKey()
	return key, found, s.classifyTreeError(err)
}

// NextKey returns the smallest stored key strictly greater than key.
func (s *Storage) NextKey(key []byte) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireOpen(); err != nil {
		return nil, false, err
	}
	next, found, err := s.tree.NextKey(key)
	return next, found, s.classifyTreeError(err)
}

// PreviousKey returns the largest stored key strictly less than key.
func (s *Storage) PreviousKey(key []byte) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireOpen(); err != nil {
		return nil, false, err
	}
	prev, found, err := s.tree.PreviousKey(key)
	return prev, found, s.classifyTreeError(err)
}

// Scan visits every (key, value) pair with lower <= key <= upper in
// ascending order, stopping early if visit returns false. A nil bound is
// unbounded on that side.
func (s *Storage) Scan(lower, upper []byte, visit func(key, value []byte) (bool, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireOpen(); err != nil {
		return err
	}
	return s.classifyTreeError(s.tree.Scan(lower, upper, visit))
}

// Flush forces all dirty pages to stable storage.
func (s *Storage) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireOpen(); err != nil {
		return err
	}
	if err := s.store.Flush(); err != nil {
		return wrapIOError(err, "flush")
	}
	return nil
}

// Close flushes pending writes, releases the advisory file lock, and
// disposes the page store. The Storage must not be used afterward.
func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return nil
	}
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
	err := s.store.Close()
	s.open = false
	if err != nil {
		return wrapIOError(err, "close")
	}
	return nil
}

// Heading returns the currently loaded heading-page header, for
// diagnostics.VerifyReachability and similar internal auditing tools.
func (s *Storage) Heading() pageformat.HeadingPageHeader {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heading
}

// PageCount returns the number of pages currently in the backing file.
func (s *Storage) PageCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.PageCount()
}

// FetchRawPage returns the raw bytes of page index, for diagnostics use
// only; callers must not mutate the returned slice.
func (s *Storage) FetchRawPage(index pageformat.PageIndex) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf, err := s.store.FetchPage(index)
	if err != nil {
		return nil, wrapIOError(err, "fetch raw page")
	}
	return buf, nil
}

// FreeSpaceClass returns the FSM's recorded fullness class for a data page,
// for diagnostics use.
func (s *Storage) FreeSpaceClass(index pageformat.PageIndex) (pageformat.SizeClass, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	class, err := s.freeSpace.GetClass(index)
	if err != nil {
		return 0, wrapIOError(err, "read free-space class")
	}
	return class, nil
}

// classifyTreeError wraps a structural violation surfaced by the access
// method as StorageFormatError, per spec §4.5's failure semantics; nil and
// already-typed errors pass through unchanged.
func (s *Storage) classifyTreeError(err error) error {
	if err == nil {
		return nil
	}
	if btree_IsCorruptStructure(err) {
		return wrapStorageFormatError(err, "access method structural invariant violated")
	}
	return err
}
