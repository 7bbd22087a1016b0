// Package stream implements devices reached over a byte-stream transport (usually a serial
// port): commands are sent line terminated and the end of a response is inferred from a
// gap of silence on the line
package stream

import (
	"fmt"

	"github.com/fako1024/btscale/pkg/profile"
	"github.com/fako1024/btscale/pkg/scale"
	"github.com/fako1024/btscale/pkg/session"
)

// New instantiates a new device speaking the given profile over the transport described
// by cfg, executing functional options, if any. Without a custom opener (see WithOpener),
// cfg must describe a serial (or USB serial) transport
func New(identity scale.Identity, cfg scale.ConnectionConfig, p profile.Profile, options ...func(*Driver)) (*session.Engine, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if p.Parse == nil {
		return nil, fmt.Errorf("%w: profile `%s` has no parser", scale.ErrConfig, p.Name)
	}

	d := NewDriver(cfg, p, options...)
	if d.opener == nil {
		return nil, fmt.Errorf("%w: no transport opener", scale.ErrConfig)
	}
	if !cfg.IsSerial() && !d.customOpener {
		return nil, fmt.Errorf("%w: `%s` requires a serial transport, got `%s`", scale.ErrConfig, identity.DisplayName(), cfg.Type)
	}

	return session.New(identity, cfg, d, session.WithLogger(d.logger)), nil
}
