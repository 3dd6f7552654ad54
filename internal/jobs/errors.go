package jobs

import "fmt"

// ValidationError reports a job that is missing a required field.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid job: %v", e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// ConfigError reports a registry file that cannot be read, parsed or written.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// IndexError reports a 1-based job index outside the registry.
type IndexError struct {
	N   int
	Len int
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("%d did not match the id of any saved job (%d saved)", e.N, e.Len)
}
