// Package diagnostics holds the internal auditing tools a production
// embedded engine ships alongside itself: a standalone page inspector for
// crash forensics and a reachability walk that cross-checks the
// free-space map against what the access method and blob chains actually
// reference. Grounded on the teacher's pager/inspect.go (page-level
// decode) and pager/gc.go (reachability-based audit), repurposed here as
// library functions rather than a CLI.
package diagnostics

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/datatanker/datatanker/internal/pageformat"
)

// PageInfo is the decoded common header plus a best-effort decode of the
// type-specific header, for a single page read directly off disk.
type PageInfo struct {
	Index     pageformat.PageIndex
	Type      pageformat.PageType
	SizeClass pageformat.SizeClass
	HeaderLen uint16
	Details   fmt.Stringer
}

type headingDetails pageformat.HeadingPageHeader

func (d headingDetails) String() string {
	return fmt.Sprintf("PageSize=%d Version=%d AccessMethod=%v Fsm=%d AccessMethodRoot=%d",
		d.PageSize, d.OnDiskStructureVersion, d.AccessMethod, d.FsmPageIndex, d.AccessMethodPageIndex)
}

type fsmDetails pageformat.FreeSpaceMapPageHeader

func (d fsmDetails) String() string {
	return fmt.Sprintf("Start=%d Prev=%d Next=%d Base=%d", d.StartPageIndex, d.PreviousPageIndex, d.NextPageIndex, d.BasePageIndex)
}

type nodeDetails pageformat.BPlusTreeNodePageHeader

func (d nodeDetails) String() string {
	return fmt.Sprintf("Parent=%d Prev=%d Next=%d Leaf=%v Class=%v", d.ParentPageIndex, d.PreviousPageIndex, d.NextPageIndex, d.IsLeaf, d.SizeClass)
}

type multiPageDetails pageformat.MultiPageHeader

func (d multiPageDetails) String() string {
	return fmt.Sprintf("Start=%d Prev=%d Next=%d Range=%v DataLen=%d", d.StartPageIndex, d.PreviousPageIndex, d.NextPageIndex, d.SizeRange, d.DataLen)
}

type plainDetails struct{ text string }

func (d plainDetails) String() string { return d.text }

// InspectPage decodes a single page straight off the backing file at
// path, without opening a full Storage — intended for crash forensics
// against a data file that failed to open.
func InspectPage(path string, index pageformat.PageIndex, pageSize int) (PageInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return PageInfo{}, errors.Wrap(err, "diagnostics: open backing file")
	}
	defer f.Close()

	buf := make([]byte, pageSize)
	if _, err := f.ReadAt(buf, int64(index)*int64(pageSize)); err != nil {
		return PageInfo{}, errors.Wrapf(err, "diagnostics: read page %d", index)
	}

	common := pageformat.UnmarshalCommonHeader(buf)
	info := PageInfo{Index: index, Type: common.Type, SizeClass: common.SizeClass, HeaderLen: common.Length}

	switch common.Type {
	case pageformat.PageTypeHeading:
		info.Details = headingDetails(pageformat.UnmarshalHeadingHeader(buf))
	case pageformat.PageTypeFreeSpaceMap:
		info.Details = fsmDetails(pageformat.UnmarshalFreeSpaceMapHeader(buf))
	case pageformat.PageTypeBPlusTreeNode:
		info.Details = nodeDetails(pageformat.UnmarshalBPlusTreeNodeHeader(buf))
	case pageformat.PageTypeMultiPage:
		info.Details = multiPageDetails(pageformat.UnmarshalMultiPageHeader(buf))
	default:
		info.Details = plainDetails{text: common.Type.String()}
	}
	return info, nil
}

// storageView is the minimal surface VerifyReachability needs from an open
// *datatanker.Storage — kept as an interface so this package does not
// import the root module and stays unit-testable against a fake.
type storageView interface {
	Heading() pageformat.HeadingPageHeader
	PageCount() int64
	FetchRawPage(pageformat.PageIndex) ([]byte, error)
	FreeSpaceClass(pageformat.PageIndex) (pageformat.SizeClass, error)
}

// Report is the outcome of a reachability walk.
type Report struct {
	TotalPages     int
	ReachablePages int
	Orphaned       []pageformat.PageIndex // not reachable from the heading, yet the FSM reports it as holding real data
	DoubleOwned    []pageformat.PageIndex // reachable from more than one owner
	ClassMismatch  []pageformat.PageIndex // FSM class disagrees with the page's own declared free space; VerifyReachability leaves it empty
}

// Clean reports whether the walk found no discrepancies.
func (r Report) Clean() bool {
	return len(r.Orphaned) == 0 && len(r.DoubleOwned) == 0 && len(r.ClassMismatch) == 0
}

// VerifyReachability walks every page reachable from the heading page —
// the FSM chain, the access-method tree, and every blob chain a leaf
// entry references — and cross-checks the result against the free-space
// map's bookkeeping. It operationalizes "no page leaks" as a callable
// audit instead of only a property test. It does not compare a page's FSM
// class with its content, so Report.ClassMismatch is always empty.
func VerifyReachability(s storageView) (Report, error) {
	heading := s.Heading()
	total := int(s.PageCount())
	owners := make(map[pageformat.PageIndex]int, total)

	mark := func(index pageformat.PageIndex) { owners[index]++ }
	mark(0) // heading
	if err := walkFSMChain(s, heading.FsmPageIndex, mark); err != nil {
		return Report{}, err
	}
	if err := walkTree(s, heading.AccessMethodPageIndex, mark); err != nil {
		return Report{}, err
	}

	report := Report{TotalPages: total}
	for index, count := range owners {
		report.ReachablePages++
		if count > 1 {
			report.DoubleOwned = append(report.DoubleOwned, index)
		}
	}

	for i := pageformat.PageIndex(0); int64(i) < int64(total); i++ {
		if owners[i] > 0 {
			continue
		}
		class, err := s.FreeSpaceClass(i)
		if err != nil {
			return Report{}, err
		}
		// NotApplicable means the FSM has never covered this slot; Class7
		// means the page is maximally free — either a never-claimed fresh
		// page or one fsm.Map.Release just returned to the reusable pool.
		// Both are the expected resting state of an unreachable page. Any
		// other class implies the page holds real content and should have
		// an owner: a genuine leak.
		if class != pageformat.SizeClassNotApplicable && class != pageformat.Class7 {
			report.Orphaned = append(report.Orphaned, i)
		}
	}

	report.Orphaned = lo.Uniq(report.Orphaned)
	report.DoubleOwned = lo.Uniq(report.DoubleOwned)
	return report, nil
}

func walkFSMChain(s storageView, start pageformat.PageIndex, mark func(pageformat.PageIndex)) error {
	index := start
	for index != pageformat.NoPage {
		mark(index)
		buf, err := s.FetchRawPage(index)
		if err != nil {
			return err
		}
		header := pageformat.UnmarshalFreeSpaceMapHeader(buf)
		index = header.NextPageIndex
	}
	return nil
}

func walkTree(s storageView, root pageformat.PageIndex, mark func(pageformat.PageIndex)) error {
	if root == pageformat.NoPage {
		return nil
	}
	mark(root)
	buf, err := s.FetchRawPage(root)
	if err != nil {
		return err
	}
	common := pageformat.UnmarshalCommonHeader(buf)
	if common.Type != pageformat.PageTypeBPlusTreeNode {
		return errors.Errorf("diagnostics: page %d is not a BPlusTreeNode", root)
	}
	header := pageformat.UnmarshalBPlusTreeNodeHeader(buf)
	if header.IsLeaf {
		return walkLeafBlobs(s, buf, mark)
	}
	for _, child := range decodeInternalChildren(buf) {
		if err := walkTree(s, child, mark); err != nil {
			return err
		}
	}
	return nil
}

// decodeInternalChildren re-reads just the child pointers of an internal
// node page; duplicated from internal/btree's body layout deliberately so
// that this package does not depend on btree's internal layout code.
func decodeInternalChildren(buf []byte) []pageformat.PageIndex {
	body := buf[pageformat.BPlusTreeNodeHeaderLength:]
	offset := 0
	count := int(binary.LittleEndian.Uint16(body[offset:]))
	offset += 2
	if offset+8 > len(body) {
		return nil
	}
	children := []pageformat.PageIndex{pageformat.PageIndex(binary.LittleEndian.Uint64(body[offset:]))}
	offset += 8
	for i := 0; i < count && offset+4 <= len(body); i++ {
		klen := int(binary.LittleEndian.Uint32(body[offset:]))
		offset += 4 + klen
		if offset+8 > len(body) {
			break
		}
		children = append(children, pageformat.PageIndex(binary.LittleEndian.Uint64(body[offset:])))
		offset += 8
	}
	return children
}

func walkLeafBlobs(s storageView, buf []byte, mark func(pageformat.PageIndex)) error {
	body := buf[pageformat.BPlusTreeNodeHeaderLength:]
	offset := 0
	count := int(binary.LittleEndian.Uint16(body[offset:]))
	offset += 2
	for i := 0; i < count; i++ {
		if offset+4 > len(body) {
			break
		}
		klen := int(binary.LittleEndian.Uint32(body[offset:]))
		offset += 4 + klen
		if offset+9 > len(body) {
			break
		}
		start := pageformat.PageIndex(binary.LittleEndian.Uint64(body[offset:]))
		offset += 8
		class := pageformat.SizeClass(body[offset])
		offset++
		if err := walkBlobChain(s, start, class, mark); err != nil {
			return err
		}
	}
	return nil
}

func walkBlobChain(s storageView, start pageformat.PageIndex, class pageformat.SizeClass, mark func(pageformat.PageIndex)) error {
	if class != pageformat.SizeClassMultiPage {
		mark(start)
		return nil
	}
	index := start
	for index != pageformat.NoPage {
		mark(index)
		buf, err := s.FetchRawPage(index)
		if err != nil {
			return err
		}
		header := pageformat.UnmarshalMultiPageHeader(buf)
		index = header.NextPageIndex
	}
	return nil
}
