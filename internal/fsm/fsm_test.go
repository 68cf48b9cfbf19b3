package fsm

import (
	"testing"

	"github.com/datatanker/datatanker/internal/pageformat"
)

// fakeStore is a minimal in-memory pageSource for exercising the FSM
// without a real backing file.
type fakeStore struct {
	pages [][]byte
	size  int
}

func newFakeStore(pageSize int) *fakeStore {
	return &fakeStore{size: pageSize}
}

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

func TestSetAndGetClassRoundTrip(t *testing.T) {
	store := newFakeStore(4096)
	root, err := Initialize(store, 4096, 1)
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	m := New(store, 4096, root)

	if err := m.SetClass(1, pageformat.Class5); err != nil {
		t.Fatalf("SetClass: %v", err)
	}
	got, err := m.GetClass(1)
	if err != nil {
		t.Fatalf("GetClass: %v", err)
	}
	if got != pageformat.Class5 {
		t.Fatalf("GetClass = %v, want Class5", got)
	}
}

func TestUnmanagedPageReportsNotUsed(t *testing.T) {
	store := newFakeStore(4096)
	root, err := Initialize(store, 4096, 1)
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	m := New(store, 4096, root)
	got, err := m.GetClass(999999)
	if err != nil {
		t.Fatalf("GetClass: %v", err)
	}
	if got != classNotUsed {
		t.Fatalf("GetClass(uncovered) = %v, want NotUsed", got)
	}
}

func TestFindPageLowestIndexTieBreak(t *testing.T) {
	store := newFakeStore(4096)
	root, err := Initialize(store, 4096, 1)
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	m := New(store, 4096, root)

	if err := m.SetClass(5, pageformat.Class6); err != nil {
		t.Fatalf("SetClass(5): %v", err)
	}
	if err := m.SetClass(2, pageformat.Class6); err != nil {
		t.Fatalf("SetClass(2): %v", err)
	}

	found, err := m.FindPage(pageformat.Class6)
	if err != nil {
		t.Fatalf("FindPage: %v", err)
	}
	if found != 2 {
		t.Fatalf("FindPage tie-break = %d, want lowest index 2", found)
	}
}

func TestFindPageAllocatesFreshOnMiss(t *testing.T) {
	store := newFakeStore(4096)
	root, err := Initialize(store, 4096, 1)
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	m := New(store, 4096, root)

	found, err := m.FindPage(pageformat.Class0)
	if err != nil {
		t.Fatalf("FindPage: %v", err)
	}
	class, err := m.GetClass(found)
	if err != nil {
		t.Fatalf("GetClass: %v", err)
	}
	if class != pageformat.Class7 {
		t.Fatalf("freshly allocated page class = %v, want Class7", class)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	store := newFakeStore(4096)
	root, err := Initialize(store, 4096, 1)
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	m := New(store, 4096, root)

	if err := m.SetClass(3, pageformat.Class4); err != nil {
		t.Fatalf("SetClass: %v", err)
	}
	if err := m.Release(3); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := m.Release(3); err != nil {
		t.Fatalf("second Release: %v", err)
	}
	got, err := m.GetClass(3)
	if err != nil {
		t.Fatalf("GetClass: %v", err)
	}
	if got != pageformat.Class7 {
		t.Fatalf("GetClass after release = %v, want Class7 (maximally free)", got)
	}
}

func TestFindPageReclaimsAReleasedPage(t *testing.T) {
	store := newFakeStore(4096)
	root, err := Initialize(store, 4096, 1)
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	m := New(store, 4096, root)

	found, err := m.FindPage(pageformat.Class0)
	if err != nil {
		t.Fatalf("FindPage (initial allocation): %v", err)
	}
	if err := m.Release(found); err != nil {
		t.Fatalf("Release: %v", err)
	}
	pagesBefore := len(store.pages)

	reused, err := m.FindPage(pageformat.Class0)
	if err != nil {
		t.Fatalf("FindPage (after release): %v", err)
	}
	if reused != found {
		t.Fatalf("FindPage after Release = %d, want reclaimed page %d", reused, found)
	}
	if len(store.pages) != pagesBefore {
		t.Fatalf("FindPage after Release grew the file (%d -> %d pages), want no growth", pagesBefore, len(store.pages))
	}
}

func TestGrowChainCoversPagesBeyondFirst(t *testing.T) {
	store := newFakeStore(4096)
	root, err := Initialize(store, 4096, 1)
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	m := New(store, 4096, root)

	far := pageformat.PageIndex(1 + entriesPerPage(4096) + 10)
	if err := m.SetClass(far, pageformat.Class2); err != nil {
		t.Fatalf("SetClass far: %v", err)
	}
	got, err := m.GetClass(far)
	if err != nil {
		t.Fatalf("GetClass far: %v", err)
	}
	if got != pageformat.Class2 {
		t.Fatalf("GetClass far = %v, want Class2", got)
	}
}
