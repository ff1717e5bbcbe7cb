// internal/sweep/errors.go
package sweep

import "fmt"

// ConfigError reports an invalid parameter spec. It is fatal to the sweep:
// no run starts when expansion fails.
type ConfigError struct {
	Param   string
	Message string
}

func (e *ConfigError) Error() string {
	if e.Param == "" {
		return "invalid parameter spec: " + e.Message
	}
	return fmt.Sprintf("invalid parameter spec %q: %s", e.Param, e.Message)
}

func configErrorf(param, format string, args ...any) *ConfigError {
	return &ConfigError{Param: param, Message: fmt.Sprintf(format, args...)}
}
