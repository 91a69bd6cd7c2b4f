package localrecords

import "errors"

var (
	// ErrInvalidRecord is returned when a record cannot be turned into an answer
	ErrInvalidRecord = errors.New("invalid record")

	// ErrUnsupportedType is returned for record types without an encoder
	ErrUnsupportedType = errors.New("unsupported record type")

	// ErrInvalidIP is returned when an IP address is invalid
	ErrInvalidIP = errors.New("invalid IP address")

	// ErrEmptyTarget is returned when a CNAME/MX/SRV/NS/PTR record has no target
	ErrEmptyTarget = errors.New("target cannot be empty")

	// ErrNoTxtData is returned when a TXT record has no text
	ErrNoTxtData = errors.New("TXT record must have at least one string")

	// ErrTxtTooLong is returned when a TXT string exceeds 255 characters
	ErrTxtTooLong = errors.New("TXT string exceeds 255 characters")

	// ErrInvalidPattern is returned when an entry's regexp does not compile
	ErrInvalidPattern = errors.New("invalid entry pattern")
)
