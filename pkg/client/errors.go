package client

import "errors"

// ErrClosed is returned by Open after Close has made the session terminal.
var ErrClosed = errors.New("client: session closed")
