package stack

import (
	"sort"

	"github.com/storycraft/deploy/internal/provisioner/compiler"
)

// NewCompositeIndex builds a Firestore composite index spec with a canonical
// field order: ascending fields (owner/equality filters) first, then
// descending fields (recency sorts). Order within each group follows the
// arguments.
func NewCompositeIndex(project string, database any, collection string, fields ...compiler.IndexField) compiler.FirestoreIndexSpec {
	ordered := append([]compiler.IndexField(nil), fields...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return rank(ordered[i].Order) < rank(ordered[j].Order)
	})
	return compiler.FirestoreIndexSpec{
		Project:    project,
		Database:   database,
		Collection: collection,
		QueryScope: "COLLECTION",
		Fields:     ordered,
	}
}

func rank(order string) int {
	if order == compiler.Ascending {
		return 0
	}
	return 1
}
