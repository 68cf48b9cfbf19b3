package btree

import (
	"bytes"
	"fmt"
	"math/rand"
	"testing"

	"github.com/datatanker/datatanker/internal/blob"
	"github.com/datatanker/datatanker/internal/pageformat"
)

type fakeStore struct {
	pages [][]byte
	size  int
}

func newFakeStore(pageSize int) *fakeStore { return &fakeStore{size: pageSize} }

func (f *fakeStore) CreatePage() (pageformat.PageIndex, []byte, error) {
	buf := pageformat.NewZeroPage(f.size)
	f.pages = append(f.pages, buf)
	return pageformat.PageIndex(len(f.pages) - 1), buf, nil
}

func (f *fakeStore) FetchPage(index pageformat.PageIndex) ([]byte, error) {
	return f.pages[index], nil
}

func (f *fakeStore) UpdatePage(index pageformat.PageIndex, buf []byte) error {
	f.pages[index] = buf
	return nil
}

// fakeFSM always allocates a brand-new page; sufficient for exercising
// tree structure without pulling in the real free-space map's scan logic.
type fakeFSM struct{ store *fakeStore }

func (f *fakeFSM) FindPage(minClass pageformat.SizeClass) (pageformat.PageIndex, error) {
	index, _, err := f.store.CreatePage()
	return index, err
}
func (f *fakeFSM) SetClass(pageformat.PageIndex, pageformat.SizeClass) error { return nil }
func (f *fakeFSM) Release(pageformat.PageIndex) error                       { return nil }

const testPageSize = 512 // small page forces splits quickly in tests

func newTestTree(t *testing.T) *Tree {
	t.Helper()
	store := newFakeStore(testPageSize)
	fsmFake := &fakeFSM{store: store}
	allocator := blob.New(store, fsmFake, testPageSize)
	root, err := Initialize(store, fsmFake, testPageSize)
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return New(store, fsmFake, allocator, testPageSize, root, nil)
}

func TestPutGetRoundTrip(t *testing.T) {
	tree := newTestTree(t)
	if err := tree.Put(EncodeKey(42), []byte("answer")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	value, found, err := tree.Get(EncodeKey(42))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !found || !bytes.Equal(value, []byte("answer")) {
		t.Fatalf("Get = %q, %v; want \"answer\", true", value, found)
	}
}

func TestPutOverwriteReleasesOldBlob(t *testing.T) {
	tree := newTestTree(t)
	if err := tree.Put(EncodeKey(1), []byte("first")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := tree.Put(EncodeKey(1), []byte("second")); err != nil {
		t.Fatalf("Put overwrite: %v", err)
	}
	value, found, err := tree.Get(EncodeKey(1))
	if err != nil || !found {
		t.Fatalf("Get after overwrite: %v, found=%v", err, found)
	}
	if !bytes.Equal(value, []byte("second")) {
		t.Fatalf("Get after overwrite = %q, want %q", value, "second")
	}
}

func TestRandomOrderInsertAscendingScan(t *testing.T) {
	tree := newTestTree(t)
	keys := rand.New(rand.NewSource(7)).Perm(200)
	for _, k := range keys {
		if err := tree.Put(EncodeKey(int64(k)), []byte(fmt.Sprintf("v%d", k))); err != nil {
			t.Fatalf("Put(%d): %v", k, err)
		}
	}

	var seen []int64
	err := tree.Scan(nil, nil, func(key, value []byte) (bool, error) {
		seen = append(seen, decodeSignedIntForTest(key))
		return true, nil
	})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(seen) != 200 {
		t.Fatalf("Scan returned %d entries, want 200", len(seen))
	}
	for i := 1; i < len(seen); i++ {
		if seen[i-1] >= seen[i] {
			t.Fatalf("Scan order violated at %d: %d >= %d", i, seen[i-1], seen[i])
		}
	}
}

func decodeSignedIntForTest(encoded []byte) int64 {
	var v uint64
	for _, b := range encoded {
		v = v<<8 | uint64(b)
	}
	return int64(v ^ (1 << 63))
}

func TestDeleteEveryOtherKeyShrinksCountAndPreservesSurvivors(t *testing.T) {
	tree := newTestTree(t)
	const n = 2000
	for i := 0; i < n; i++ {
		if err := tree.Put(EncodeKey(int64(i)), []byte(fmt.Sprintf("value-%d", i))); err != nil {
			t.Fatalf("Put(%d): %v", i, err)
		}
	}
	for i := 0; i < n; i += 2 {
		removed, err := tree.Delete(EncodeKey(int64(i)))
		if err != nil {
			t.Fatalf("Delete(%d): %v", i, err)
		}
		if !removed {
			t.Fatalf("Delete(%d) reported not found", i)
		}
	}
	count, err := tree.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != n/2 {
		t.Fatalf("Count after deletes = %d, want %d", count, n/2)
	}
	for i := 1; i < n; i += 2 {
		_, found, err := tree.Get(EncodeKey(int64(i)))
		if err != nil {
			t.Fatalf("Get(%d): %v", i, err)
		}
		if !found {
			t.Fatalf("Get(%d) missing after deleting only the even keys", i)
		}
	}
	for i := 0; i < n; i += 2 {
		_, found, err := tree.Get(EncodeKey(int64(i)))
		if err != nil {
			t.Fatalf("Get(%d): %v", i, err)
		}
		if found {
			t.Fatalf("Get(%d) still present after deletion", i)
		}
	}
}

func TestMinMaxNextPreviousKey(t *testing.T) {
	tree := newTestTree(t)
	for _, k := range []int64{5, 1, 9, 3, 7} {
		if err := tree.Put(EncodeKey(k), []byte("v")); err != nil {
			t.Fatalf("Put(%d): %v", k, err)
		}
	}
	min, found, err := tree.MinKey()
	if err != nil || !found || decodeSignedIntForTest(min) != 1 {
		t.Fatalf("MinKey = %v, found=%v, err=%v; want 1", decodeSignedIntForTest(min), found, err)
	}
	max, found, err := tree.MaxKey()
	if err != nil || !found || decodeSignedIntForTest(max) != 9 {
		t.Fatalf("MaxKey = %v, found=%v, err=%v; want 9", decodeSignedIntForTest(max), found, err)
	}
	next, found, err := tree.NextKey(EncodeKey(int64(5)))
	if err != nil || !found || decodeSignedIntForTest(next) != 7 {
		t.Fatalf("NextKey(5) = %v, found=%v, err=%v; want 7", decodeSignedIntForTest(next), found, err)
	}
	prev, found, err := tree.PreviousKey(EncodeKey(int64(5)))
	if err != nil || !found || decodeSignedIntForTest(prev) != 3 {
		t.Fatalf("PreviousKey(5) = %v, found=%v, err=%v; want 3", decodeSignedIntForTest(prev), found, err)
	}
}

func TestScanRespectsBounds(t *testing.T) {
	tree := newTestTree(t)
	for i := int64(0); i < 50; i++ {
		if err := tree.Put(EncodeKey(i), []byte("v")); err != nil {
			t.Fatalf("Put(%d): %v", i, err)
		}
	}
	var seen []int64
	err := tree.Scan(EncodeKey(int64(10)), EncodeKey(int64(20)), func(key, value []byte) (bool, error) {
		seen = append(seen, decodeSignedIntForTest(key))
		return true, nil
	})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(seen) != 11 {
		t.Fatalf("bounded Scan returned %d entries, want 11", len(seen))
	}
	if seen[0] != 10 || seen[len(seen)-1] != 20 {
		t.Fatalf("bounded Scan range = [%d,%d], want [10,20]", seen[0], seen[len(seen)-1])
	}
}
