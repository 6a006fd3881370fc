package transform

import (
	"github.com/shelfware/stocksync/internal/model"
)

// Transformer turns raw snapshot bytes into row records. Implementations
// fail with a syncerr.ParseError; the client treats that as a sync failure
// and stays on its last good dataset.
type Transformer interface {
	Transform(data []byte) (*model.Snapshot, error)
}
