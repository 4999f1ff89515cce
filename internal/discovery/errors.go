package discovery

import "errors"

var (
	// ErrNoHubFound is returned when no pilight daemon answered the search.
	ErrNoHubFound = errors.New("discovery: no pilight hub found")

	// ErrInvalidLocation is returned when a response carries no usable
	// Location header.
	ErrInvalidLocation = errors.New("discovery: invalid location")
)
