package interfaces

import "errors"

var (
	ErrConnectionNotFound = errors.New("connection not found")
	ErrJournalClosed      = errors.New("journal is closed")
)
