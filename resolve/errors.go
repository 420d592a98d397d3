package resolve

import "errors"

// Sentinel errors surfaced to resolver callbacks, named after the POSIX
// errno each one maps to at the API boundary.
var (
	ErrHostUnreach = errors.New("EHOSTUNREACH: no reachable hop for uri")
	ErrNoProtoOpt  = errors.New("ENOPROTOOPT: no allowed protocol for uri")
	ErrInval       = errors.New("EINVAL: dns resolution failed")
)
