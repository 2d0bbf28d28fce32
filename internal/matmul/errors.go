package matmul

import (
	"errors"
	"fmt"
)

// ErrConfiguration is matched by every *ConfigurationError.
var ErrConfiguration = errors.New("invalid matmul configuration")

// ConfigurationError reports an invalid or incompatible shape/dtype
// combination. It is fatal at operator construction.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrConfiguration, e.Field, e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return ErrConfiguration }

func configErr(field, reason string) error {
	return &ConfigurationError{Field: field, Reason: reason}
}
