package datatanker

import (
	stderrors "errors"

	"github.com/datatanker/datatanker/internal/btree"
	"github.com/datatanker/datatanker/internal/pagestore"
)

// Small bridges from the internal layers' sentinel errors to the facade's
// typed taxonomy (errors.go). Kept in one place so storage.go reads as
// plain control flow.

func errors_IsAlreadyOpen(err error) bool {
	return stderrors.Is(err, pagestore.ErrAlreadyOpen)
}

func errors_IsStorageFormat(err error) bool {
	return stderrors.Is(err, pagestore.ErrStorageFormat)
}

func btree_IsCorruptStructure(err error) bool {
	return stderrors.Is(err, btree.ErrCorruptStructure)
}
