// Package fsm implements the free-space map: a chain of pages, each
// holding a packed array of 4-bit fullness classes for the data pages it
// covers, plus the scan that finds a page with enough room for a new
// allocation.
package fsm

import (
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/datatanker/datatanker/internal/pageformat"
)

// entriesPerPage is how many 4-bit entries an FSM page body holds: two
// entries per byte of the area after the FSM header, so each FSM page
// covers (P − FreeSpaceMapHeaderLength)×2 data pages.
func entriesPerPage(pageSize int) int {
	usable := pageformat.UsableBytes(pageSize, pageformat.FreeSpaceMapHeaderLength)
	return usable * 2
}

// classFull and classNotUsed extend SizeClass's eight data buckets with the
// two FSM-only states spec §3 calls out: Full (no usable remainder) and
// NotUsed (the page is not currently data). They are represented with the
// existing SizeClassMultiPage/SizeClassNotApplicable enumerants so the
// 4-bit entry range [0,9] stays inside a nibble: Full reuses MultiPage's
// value (a MultiPage fragment page is always reported Full), and NotUsed
// reuses NotApplicable's value.
const (
	classFull    = pageformat.SizeClassMultiPage
	classNotUsed = pageformat.SizeClassNotApplicable
)

// pageSource is the minimal page-store surface the FSM needs; satisfied by
// *pagestore.Store. Kept as an interface so the FSM can be unit-tested
// against a fake without pulling in file I/O.
type pageSource interface {
	CreatePage() (pageformat.PageIndex, []byte, error)
	FetchPage(pageformat.PageIndex) ([]byte, error)
	UpdatePage(pageformat.PageIndex, []byte) error
}

// Map is the free-space map for one open storage. It does not own the page
// store; the caller's single-writer mutex already serializes access.
type Map struct {
	store        pageSource
	pageSize     int
	entriesPer   int
	rootIndex    pageformat.PageIndex
	lastUsed     pageformat.PageIndex // most recently used FSM page, per spec §4.3 scan order
}

// New attaches an FSM to an already-initialized chain rooted at rootIndex
// (HeadingPageHeader.FsmPageIndex).
func New(store pageSource, pageSize int, rootIndex pageformat.PageIndex) *Map {
	return &Map{
		store:      store,
		pageSize:   pageSize,
		entriesPer: entriesPerPage(pageSize),
		rootIndex:  rootIndex,
		lastUsed:   rootIndex,
	}
}

// Initialize creates the first FSM page (page 1 of a fresh storage),
// covering data pages starting at basePageIndex, and returns its index.
func Initialize(store pageSource, pageSize int, basePageIndex pageformat.PageIndex) (pageformat.PageIndex, error) {
	index, buf, err := store.CreatePage()
	if err != nil {
		return pageformat.NoPage, errors.Wrap(err, "fsm: allocate root page")
	}
	h := pageformat.FreeSpaceMapPageHeader{
		StartPageIndex:    index,
		PreviousPageIndex: pageformat.NoPage,
		NextPageIndex:     pageformat.NoPage,
		BasePageIndex:     basePageIndex,
	}
	pageformat.MarshalFreeSpaceMapHeader(h, buf)
	if err := store.UpdatePage(index, buf); err != nil {
		return pageformat.NoPage, err
	}
	return index, nil
}

type fsmPage struct {
	index  pageformat.PageIndex
	header pageformat.FreeSpaceMapPageHeader
	buf    []byte
}

func (m *Map) loadPage(index pageformat.PageIndex) (*fsmPage, error) {
	buf, err := m.store.FetchPage(index)
	if err != nil {
		return nil, errors.Wrapf(err, "fsm: fetch page %d", index)
	}
	return &fsmPage{index: index, header: pageformat.UnmarshalFreeSpaceMapHeader(buf), buf: buf}, nil
}

func (m *Map) body(buf []byte) []byte {
	return buf[pageformat.FreeSpaceMapHeaderLength:]
}

// entryOffset returns the nibble slot for dataIndex relative to an FSM
// page's basePageIndex; the result lies outside [0, entriesPer) when that
// page does not cover dataIndex.
func entryOffset(basePageIndex, dataIndex pageformat.PageIndex, entriesPer int) int {
	return int(dataIndex - basePageIndex)
}

// classToNibble/nibbleToClass map SizeClass (plus the Full/NotUsed
// sentinels) onto the 4-bit on-disk range so that a zero-initialized page
// — one that has never been written with a real entry — reads back as
// NotUsed rather than colliding with Class0. NotUsed occupies nibble 0,
// Class0..Class7 occupy 1..8, Full occupies 9.
func classToNibble(class pageformat.SizeClass) byte {
	switch class {
	case classNotUsed:
		return 0
	case classFull:
		return 9
	default:
		return byte(class) + 1
	}
}

func nibbleToClass(n byte) pageformat.SizeClass {
	switch n {
	case 0:
		return classNotUsed
	case 9:
		return classFull
	default:
		return pageformat.SizeClass(n - 1)
	}
}

func getNibble(body []byte, slot int) pageformat.SizeClass {
	b := body[slot/2]
	if slot%2 == 0 {
		return nibbleToClass(b & 0x0f)
	}
	return nibbleToClass(b >> 4)
}

func setNibble(body []byte, slot int, class pageformat.SizeClass) {
	n := classToNibble(class)
	b := body[slot/2]
	if slot%2 == 0 {
		body[slot/2] = (b & 0xf0) | (n & 0x0f)
	} else {
		body[slot/2] = (b & 0x0f) | (n << 4)
	}
}

// pageFor locates the FSM page that covers dataIndex, walking the chain
// from the root. Returns nil (no error) if dataIndex is beyond every FSM
// page's coverage; the caller then grows the chain.
func (m *Map) pageFor(dataIndex pageformat.PageIndex) (*fsmPage, int, error) {
	index := m.rootIndex
	for index != pageformat.NoPage {
		p, err := m.loadPage(index)
		if err != nil {
			return nil, 0, err
		}
		slot := entryOffset(p.header.BasePageIndex, dataIndex, m.entriesPer)
		if slot >= 0 && slot < m.entriesPer {
			return p, slot, nil
		}
		if p.header.NextPageIndex == pageformat.NoPage {
			return nil, 0, nil
		}
		index = p.header.NextPageIndex
	}
	return nil, 0, nil
}

// growChain appends a new FSM page covering the range starting right after
// the current tail's coverage.
func (m *Map) growChain() (*fsmPage, error) {
	tailIndex := m.rootIndex
	var tail *fsmPage
	for {
		p, err := m.loadPage(tailIndex)
		if err != nil {
			return nil, err
		}
		tail = p
		if p.header.NextPageIndex == pageformat.NoPage {
			break
		}
		tailIndex = p.header.NextPageIndex
	}
	newBase := tail.header.BasePageIndex + pageformat.PageIndex(m.entriesPer)
	index, buf, err := m.store.CreatePage()
	if err != nil {
		return nil, err
	}
	h := pageformat.FreeSpaceMapPageHeader{
		StartPageIndex:    m.rootIndex,
		PreviousPageIndex: tail.index,
		NextPageIndex:     pageformat.NoPage,
		BasePageIndex:     newBase,
	}
	pageformat.MarshalFreeSpaceMapHeader(h, buf)
	if err := m.store.UpdatePage(index, buf); err != nil {
		return nil, err
	}
	tail.header.NextPageIndex = index
	pageformat.MarshalFreeSpaceMapHeader(tail.header, tail.buf)
	if err := m.store.UpdatePage(tail.index, tail.buf); err != nil {
		return nil, err
	}
	return &fsmPage{index: index, header: h, buf: buf}, nil
}

// GetClass returns the fullness class currently recorded for dataIndex.
func (m *Map) GetClass(dataIndex pageformat.PageIndex) (pageformat.SizeClass, error) {
	p, slot, err := m.pageFor(dataIndex)
	if err != nil {
		return 0, err
	}
	if p == nil {
		return classNotUsed, nil
	}
	return getNibble(m.body(p.buf), slot), nil
}

// SetClass records class for dataIndex, growing the FSM chain if dataIndex
// is not yet covered by any page.
func (m *Map) SetClass(dataIndex pageformat.PageIndex, class pageformat.SizeClass) error {
	p, slot, err := m.pageFor(dataIndex)
	if err != nil {
		return err
	}
	for p == nil {
		p, err = m.growChain()
		if err != nil {
			return err
		}
		slot = entryOffset(p.header.BasePageIndex, dataIndex, m.entriesPer)
		if slot < 0 || slot >= m.entriesPer {
			p = nil // still beyond coverage; grow again
		}
	}
	setNibble(m.body(p.buf), slot, class)
	if err := m.store.UpdatePage(p.index, p.buf); err != nil {
		return err
	}
	m.lastUsed = p.index
	return nil
}

// Release marks dataIndex Class7 — maximally free, the same state
// allocateFresh gives a brand-new page — rather than NotUsed. NotUsed is
// reserved for slots the FSM has never covered with a real page (spec
// §4.3's zero-initialized default); a released page still physically
// exists and is fully empty again, so it belongs back in the normal
// Class7 pool FindPage already scans, instead of being permanently
// excluded from reuse. Release is idempotent either way.
func (m *Map) Release(dataIndex pageformat.PageIndex) error {
	return m.SetClass(dataIndex, pageformat.Class7)
}

// FindPage scans the FSM chain starting from the most recently used page
// for a data page whose class is >= minClass and not NotUsed, per spec
// §4.3's locality-preserving scan order. A page Release put back into the
// Class7 pool qualifies for every minClass, so it is found again (unless a
// lower slot of the same FSM page also qualifies) before the file grows.
// On a miss
// across the whole chain, it allocates a brand-new data page, marks it
// Class7, and returns it.
func (m *Map) FindPage(minClass pageformat.SizeClass) (pageformat.PageIndex, error) {
	visited := map[pageformat.PageIndex]bool{}
	index := m.lastUsed
	for index != pageformat.NoPage && !visited[index] {
		visited[index] = true
		p, err := m.loadPage(index)
		if err != nil {
			return pageformat.NoPage, err
		}
		if found, ok := scanPageForClass(p, m.body(p.buf), minClass); ok {
			m.lastUsed = p.index
			return found, nil
		}
		index = p.header.NextPageIndex
		if index == pageformat.NoPage {
			index = m.rootIndex
		}
		if visited[index] {
			break
		}
	}
	return m.allocateFresh()
}

// scanPageForClass finds the lowest-index qualifying data page within one
// FSM page's coverage (spec §4.3 tie-break rule).
func scanPageForClass(p *fsmPage, body []byte, minClass pageformat.SizeClass) (pageformat.PageIndex, bool) {
	entriesPer := len(body) * 2
	candidates := lo.RangeFrom(0, entriesPer)
	for _, slot := range candidates {
		class := getNibble(body, slot)
		if class == classNotUsed || class == classFull {
			continue
		}
		if class >= minClass {
			return p.header.BasePageIndex + pageformat.PageIndex(slot), true
		}
	}
	return pageformat.NoPage, false
}

func (m *Map) allocateFresh() (pageformat.PageIndex, error) {
	index, _, err := m.store.CreatePage()
	if err != nil {
		return pageformat.NoPage, err
	}
	if err := m.SetClass(index, pageformat.Class7); err != nil {
		return pageformat.NoPage, err
	}
	return index, nil
}
