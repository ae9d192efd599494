package cluster

import "errors"

// Event errors
var (
	ErrEmptyNodeName = errors.New("node name cannot be empty")
	ErrEmptyLinkID   = errors.New("link ID cannot be empty")
	ErrInvalidStatus = errors.New("invalid status")
)
