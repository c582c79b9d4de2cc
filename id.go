package dagrun

import "github.com/xraph/dagrun/id"

// ID is the primary identifier type for all dagrun entities.
type ID = id.ID

// Prefix identifies the entity type encoded in a TypeID.
type Prefix = id.Prefix
