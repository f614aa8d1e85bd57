package relay

import "errors"

var (
	ErrHubClosed    = errors.New("relay hub closed")
	ErrEmptyUserID  = errors.New("user id is required")
	ErrBrokerClosed = errors.New("broker closed")
)
