package meridian

import "errors"

// ErrCoordinatorClosed is returned for operations on a closed
// Coordinator. Per-dataset lifecycle errors come from the query package
// (query.ErrClosed, query.ErrRestarted) and dataset routing failures
// wrap model.ErrUnknownDataset.
var ErrCoordinatorClosed = errors.New("coordinator closed")
