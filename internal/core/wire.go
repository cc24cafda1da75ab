package core

import (
	"github.com/google/wire"
)

// ProviderSet is the Wire provider set for all domain use-cases.
var ProviderSet = wire.NewSet(
	NewObjectCache,
	NewGraphStore,
	NewWatchUseCase,
	NewRelationTable,
)

// NewRelationTable returns the built-in relation table.
func NewRelationTable() *RelationTable {
	return DefaultRelations
}
