package constants

import "errors"

// Errors
var (
	ErrEmptyURL          = errors.New("endpoint url not set")
	ErrUnsupportedScheme = errors.New("unsupported endpoint url scheme")
	ErrUnknownEngine     = errors.New("unknown transport engine")
	ErrSessionClosed     = errors.New("session is closed")
)
