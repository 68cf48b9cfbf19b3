// Package blob implements the allocator that stores arbitrarily large byte
// strings either inline on a single page or across a doubly linked chain
// of MultiPage fragments, consulting the free-space map to pick targets.
package blob

import (
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/valyala/bytebufferpool"

	"github.com/datatanker/datatanker/internal/pageformat"
)

// ErrCorruptChain is returned by Read when a multi-page chain fails the
// StartPageIndex/PageType cross-check spec §4.4 requires.
var ErrCorruptChain = errors.New("blob: multi-page chain failed structural verification")

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

// Ref is a blob reference as stored inside a B+Tree leaf entry: the start
// page and the size class that locates it (spec §3, "Blob reference").
type Ref struct {
	StartPageIndex pageformat.PageIndex
	SizeClass      pageformat.SizeClass
}

// Allocator writes, reads, and releases value blobs.
type Allocator struct {
	store    pageSource
	fsm      freeSpaceMap
	pageSize int
	pool     bytebufferpool.Pool
}

func New(store pageSource, fsm freeSpaceMap, pageSize int) *Allocator {
	return &Allocator{store: store, fsm: fsm, pageSize: pageSize}
}

func (a *Allocator) inlineUsable() int {
	return pageformat.UsableBytes(a.pageSize, pageformat.VariableSizeItemHeaderLength)
}

func (a *Allocator) fragmentUsable() int {
	return pageformat.UsableBytes(a.pageSize, pageformat.MultiPageHeaderLength)
}

// Write stores payload and returns the reference to find it again.
func (a *Allocator) Write(payload []byte) (Ref, error) {
	if len(payload) <= a.inlineUsable() {
		return a.writeInline(payload)
	}
	return a.writeChain(payload)
}

func (a *Allocator) writeInline(payload []byte) (Ref, error) {
	freeAfter := a.inlineUsable() - len(payload)
	class := pageformat.ClassifyFreeBytes(freeAfter, a.inlineUsable())
	index, err := a.fsm.FindPage(class)
	if err != nil {
		return Ref{}, errors.Wrap(err, "blob: find page for inline write")
	}
	buf, err := a.store.FetchPage(index)
	if err != nil {
		return Ref{}, err
	}
	header := pageformat.VariableSizeItemHeader{PayloadLength: uint32(len(payload))}
	pageformat.MarshalVariableSizeItemHeader(header, class, buf)
	copy(buf[pageformat.VariableSizeItemHeaderLength:], payload)
	if err := a.store.UpdatePage(index, buf); err != nil {
		return Ref{}, err
	}
	if err := a.fsm.SetClass(index, class); err != nil {
		return Ref{}, err
	}
	return Ref{StartPageIndex: index, SizeClass: class}, nil
}

func (a *Allocator) writeChain(payload []byte) (Ref, error) {
	fragmentSize := a.fragmentUsable()
	fragments := lo.Chunk(payload, fragmentSize)
	sizeRange := pageformat.SizeClassMultiPage

	indexes := make([]pageformat.PageIndex, len(fragments))
	for i := range fragments {
		index, err := a.fsm.FindPage(pageformat.Class0)
		if err != nil {
			return Ref{}, errors.Wrap(err, "blob: find page for chain fragment")
		}
		indexes[i] = index
	}
	startIndex := indexes[0]

	for i, fragment := range fragments {
		buf, err := a.store.FetchPage(indexes[i])
		if err != nil {
			return Ref{}, err
		}
		prev := pageformat.NoPage
		next := pageformat.NoPage
		if i > 0 {
			prev = indexes[i-1]
		}
		if i < len(indexes)-1 {
			next = indexes[i+1]
		}
		header := pageformat.MultiPageHeader{
			StartPageIndex:    startIndex,
			PreviousPageIndex: prev,
			NextPageIndex:     next,
			SizeRange:         sizeRange,
			DataLen:           uint32(len(fragment)),
		}
		pageformat.MarshalMultiPageHeader(header, buf)
		copy(buf[pageformat.MultiPageHeaderLength:], fragment)
		if err := a.store.UpdatePage(indexes[i], buf); err != nil {
			return Ref{}, err
		}
		if err := a.fsm.SetClass(indexes[i], pageformat.SizeClassMultiPage); err != nil {
			return Ref{}, err
		}
	}
	return Ref{StartPageIndex: startIndex, SizeClass: pageformat.SizeClassMultiPage}, nil
}

// Read returns the payload referenced by ref.
func (a *Allocator) Read(ref Ref) ([]byte, error) {
	if ref.SizeClass != pageformat.SizeClassMultiPage {
		return a.readInline(ref)
	}
	return a.readChain(ref)
}

func (a *Allocator) readInline(ref Ref) ([]byte, error) {
	buf, err := a.store.FetchPage(ref.StartPageIndex)
	if err != nil {
		return nil, err
	}
	header := pageformat.UnmarshalVariableSizeItemHeader(buf)
	start := pageformat.VariableSizeItemHeaderLength
	end := start + int(header.PayloadLength)
	if end > len(buf) {
		return nil, ErrCorruptChain
	}
	out := make([]byte, header.PayloadLength)
	copy(out, buf[start:end])
	return out, nil
}

func (a *Allocator) readChain(ref Ref) ([]byte, error) {
	bb := a.pool.Get()
	defer a.pool.Put(bb)
	bb.Reset()

	index := ref.StartPageIndex
	for index != pageformat.NoPage {
		buf, err := a.store.FetchPage(index)
		if err != nil {
			return nil, err
		}
		common := pageformat.UnmarshalCommonHeader(buf)
		header := pageformat.UnmarshalMultiPageHeader(buf)
		if common.Type != pageformat.PageTypeMultiPage || header.StartPageIndex != ref.StartPageIndex {
			return nil, ErrCorruptChain
		}
		fragmentStart := pageformat.MultiPageHeaderLength
		fragmentEnd := fragmentStart + int(header.DataLen)
		if header.DataLen > uint32(a.fragmentUsable()) || fragmentEnd > len(buf) {
			return nil, ErrCorruptChain
		}
		bb.Write(buf[fragmentStart:fragmentEnd])
		index = header.NextPageIndex
	}
	out := make([]byte, len(bb.B))
	copy(out, bb.B)
	return out, nil
}

// Release frees every page backing ref. Releasing an already-free
// reference is a no-op (spec §4.4).
func (a *Allocator) Release(ref Ref) error {
	if ref.StartPageIndex == pageformat.NoPage {
		return nil
	}
	if ref.SizeClass != pageformat.SizeClassMultiPage {
		return a.fsm.Release(ref.StartPageIndex)
	}
	index := ref.StartPageIndex
	for index != pageformat.NoPage {
		buf, err := a.store.FetchPage(index)
		if err != nil {
			return err
		}
		header := pageformat.UnmarshalMultiPageHeader(buf)
		if err := a.fsm.Release(index); err != nil {
			return err
		}
		index = header.NextPageIndex
	}
	return nil
}
