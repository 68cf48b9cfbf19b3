package pageformat

import "encoding/binary"

// ───────────────────────────────────────────────────────────────────────────
// Heading page (page 0)
// ───────────────────────────────────────────────────────────────────────────
//
// Layout after the common header:
//   [4:8]   PageSize               uint32 LE
//   [8:12]  OnDiskStructureVersion uint32 LE
//   [12]    AccessMethod           uint8
//   [13:16] reserved
//   [16:24] FsmPageIndex           int64 LE
//   [24:32] AccessMethodPageIndex  int64 LE

const HeadingHeaderLength = 32

// AccessMethod discriminates which ordered/unordered access method a
// storage's root page belongs to.
type AccessMethod uint8

const (
	AccessMethodBPlusTree AccessMethod = iota
	AccessMethodRadixTree
)

// HeadingPageHeader is the parsed contents of page 0.
type HeadingPageHeader struct {
	PageSize               uint32
	OnDiskStructureVersion uint32
	AccessMethod           AccessMethod
	FsmPageIndex           PageIndex
	AccessMethodPageIndex  PageIndex
}

func MarshalHeadingHeader(h HeadingPageHeader, buf []byte) {
	MarshalCommonHeader(CommonHeader{Type: PageTypeHeading, SizeClass: SizeClassNotApplicable, Length: HeadingHeaderLength}, buf)
	binary.LittleEndian.PutUint32(buf[4:8], h.PageSize)
	binary.LittleEndian.PutUint32(buf[8:12], h.OnDiskStructureVersion)
	buf[12] = byte(h.AccessMethod)
	putPageIndex(buf[16:24], h.FsmPageIndex)
	putPageIndex(buf[24:32], h.AccessMethodPageIndex)
}

func UnmarshalHeadingHeader(buf []byte) HeadingPageHeader {
	return HeadingPageHeader{
		PageSize:               binary.LittleEndian.Uint32(buf[4:8]),
		OnDiskStructureVersion: binary.LittleEndian.Uint32(buf[8:12]),
		AccessMethod:           AccessMethod(buf[12]),
		FsmPageIndex:           getPageIndex(buf[16:24]),
		AccessMethodPageIndex:  getPageIndex(buf[24:32]),
	}
}

// ───────────────────────────────────────────────────────────────────────────
// Free-space map page
// ───────────────────────────────────────────────────────────────────────────
//
//   [4:12]   StartPageIndex    int64 LE
//   [12:20]  PreviousPageIndex int64 LE
//   [20:28]  NextPageIndex     int64 LE
//   [28:36]  BasePageIndex     int64 LE

const FreeSpaceMapHeaderLength = 36

type FreeSpaceMapPageHeader struct {
	StartPageIndex    PageIndex
	PreviousPageIndex PageIndex
	NextPageIndex     PageIndex
	BasePageIndex     PageIndex
}

func MarshalFreeSpaceMapHeader(h FreeSpaceMapPageHeader, buf []byte) {
	MarshalCommonHeader(CommonHeader{Type: PageTypeFreeSpaceMap, SizeClass: SizeClassNotApplicable, Length: FreeSpaceMapHeaderLength}, buf)
	putPageIndex(buf[4:12], h.StartPageIndex)
	putPageIndex(buf[12:20], h.PreviousPageIndex)
	putPageIndex(buf[20:28], h.NextPageIndex)
	putPageIndex(buf[28:36], h.BasePageIndex)
}

func UnmarshalFreeSpaceMapHeader(buf []byte) FreeSpaceMapPageHeader {
	return FreeSpaceMapPageHeader{
		StartPageIndex:    getPageIndex(buf[4:12]),
		PreviousPageIndex: getPageIndex(buf[12:20]),
		NextPageIndex:     getPageIndex(buf[20:28]),
		BasePageIndex:     getPageIndex(buf[28:36]),
	}
}

// ───────────────────────────────────────────────────────────────────────────
// B+Tree node page
// ───────────────────────────────────────────────────────────────────────────
//
//   [4:12]   ParentPageIndex   int64 LE
//   [12:20]  PreviousPageIndex int64 LE
//   [20:28]  NextPageIndex     int64 LE
//   [28]     IsLeaf            uint8
//   [29]     padding

const BPlusTreeNodeHeaderLength = 30

type BPlusTreeNodePageHeader struct {
	ParentPageIndex   PageIndex
	PreviousPageIndex PageIndex
	NextPageIndex     PageIndex
	IsLeaf            bool
	SizeClass         SizeClass // never NotApplicable or MultiPage (spec §3)
}

func MarshalBPlusTreeNodeHeader(h BPlusTreeNodePageHeader, buf []byte) {
	MarshalCommonHeader(CommonHeader{Type: PageTypeBPlusTreeNode, SizeClass: h.SizeClass, Length: BPlusTreeNodeHeaderLength}, buf)
	putPageIndex(buf[4:12], h.ParentPageIndex)
	putPageIndex(buf[12:20], h.PreviousPageIndex)
	putPageIndex(buf[20:28], h.NextPageIndex)
	if h.IsLeaf {
		buf[28] = 1
	} else {
		buf[28] = 0
	}
}

func UnmarshalBPlusTreeNodeHeader(buf []byte) BPlusTreeNodePageHeader {
	common := UnmarshalCommonHeader(buf)
	return BPlusTreeNodePageHeader{
		ParentPageIndex:   getPageIndex(buf[4:12]),
		PreviousPageIndex: getPageIndex(buf[12:20]),
		NextPageIndex:     getPageIndex(buf[20:28]),
		IsLeaf:            buf[28] == 1,
		SizeClass:         common.SizeClass,
	}
}

// SetBPlusTreeNodeSizeClass rewrites only the SizeClass byte of the common
// header, used when free space changes without touching node identity.
func SetBPlusTreeNodeSizeClass(buf []byte, class SizeClass) {
	buf[1] = byte(class)
}

// ───────────────────────────────────────────────────────────────────────────
// Multi-page (blob chain fragment) header
// ───────────────────────────────────────────────────────────────────────────
//
//   [4:12]   StartPageIndex    int64 LE
//   [12:20]  PreviousPageIndex int64 LE
//   [20:28]  NextPageIndex     int64 LE
//   [28]     SizeRange         uint8 (encoded SizeClass of the whole blob)
//   [29]     padding
//   [30:34]  DataLen           uint32 LE (payload bytes held on this page)

const MultiPageHeaderLength = 34

type MultiPageHeader struct {
	StartPageIndex    PageIndex
	PreviousPageIndex PageIndex
	NextPageIndex     PageIndex
	SizeRange         SizeClass
	DataLen           uint32
}

func MarshalMultiPageHeader(h MultiPageHeader, buf []byte) {
	MarshalCommonHeader(CommonHeader{Type: PageTypeMultiPage, SizeClass: SizeClassMultiPage, Length: MultiPageHeaderLength}, buf)
	putPageIndex(buf[4:12], h.StartPageIndex)
	putPageIndex(buf[12:20], h.PreviousPageIndex)
	putPageIndex(buf[20:28], h.NextPageIndex)
	buf[28] = byte(h.SizeRange)
	binary.LittleEndian.PutUint32(buf[30:34], h.DataLen)
}

func UnmarshalMultiPageHeader(buf []byte) MultiPageHeader {
	return MultiPageHeader{
		StartPageIndex:    getPageIndex(buf[4:12]),
		PreviousPageIndex: getPageIndex(buf[12:20]),
		NextPageIndex:     getPageIndex(buf[20:28]),
		SizeRange:         SizeClass(buf[28]),
		DataLen:           binary.LittleEndian.Uint32(buf[30:34]),
	}
}

// ───────────────────────────────────────────────────────────────────────────
// Single-page (variable-size item) header — inline blob storage
// ───────────────────────────────────────────────────────────────────────────
//
//   [4:8]  PayloadLength uint32 LE

const VariableSizeItemHeaderLength = 8

type VariableSizeItemHeader struct {
	PayloadLength uint32
}

func MarshalVariableSizeItemHeader(h VariableSizeItemHeader, class SizeClass, buf []byte) {
	MarshalCommonHeader(CommonHeader{Type: PageTypeVariableSizeItem, SizeClass: class, Length: VariableSizeItemHeaderLength}, buf)
	binary.LittleEndian.PutUint32(buf[4:8], h.PayloadLength)
}

func UnmarshalVariableSizeItemHeader(buf []byte) VariableSizeItemHeader {
	return VariableSizeItemHeader{PayloadLength: binary.LittleEndian.Uint32(buf[4:8])}
}

// UsableBytes returns how many bytes of a page of size pageSize remain
// after a header of the given length.
func UsableBytes(pageSize int, headerLength int) int {
	u := pageSize - headerLength
	if u < 0 {
		return 0
	}
	return u
}
