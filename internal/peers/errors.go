package peers

import "errors"

var (
	// ErrNotFound means the entity is absent locally and the caller declined
	// (or the engine is unable) to resolve it over the network.
	ErrNotFound = errors.New("peers: not found")

	// ErrPermissionDenied means the cached state already proves the mutation
	// cannot succeed, so no request was sent.
	ErrPermissionDenied = errors.New("peers: permission denied")

	// ErrNoWriteAccess means only a restricted "min" access hash is known,
	// which is usable for reads but not mutations.
	ErrNoWriteAccess = errors.New("peers: no write access hash")
)
