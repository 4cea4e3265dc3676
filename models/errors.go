package models

import (
	"errors"
	"fmt"
)

// ErrInvalidInput marks payloads that will fail again if resent unchanged.
var ErrInvalidInput = errors.New("invalid input")

func invalidInput(err error) error {
	return fmt.Errorf("%w: %v", ErrInvalidInput, err)
}
