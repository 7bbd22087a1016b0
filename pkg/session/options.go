package session

import "github.com/fako1024/btscale/pkg/scale"

// WithLogger sets the logger
func WithLogger(logger scale.Logger) func(*Engine) {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}
