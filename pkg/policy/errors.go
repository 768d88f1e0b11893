package policy

import "errors"

var (
	errInvalidBaudRate = errors.New("policy: baud rate must be positive")
	errEmptyIDCommand  = errors.New("policy: getIdCommand must not be empty")
	errNilParser       = errors.New("policy: getIdResponseParser must not be nil")
)
