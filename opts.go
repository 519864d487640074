package fat32

import (
	"time"

	"github.com/sirupsen/logrus"
)

type options struct {
	cacheLimit      int
	log             logrus.FieldLogger
	clock           func() time.Time
	strictLongNames bool
}

func defaultOptions() options {
	return options{
		cacheLimit:      DefaultCacheLimit,
		log:             logrus.StandardLogger(),
		clock:           time.Now,
		strictLongNames: true,
	}
}

// Option is a functional option for configuring Mount.
type Option func(*options)

// WithCacheLimit sets the number of resident blocks the cache keeps before it
// starts evicting.
func WithCacheLimit(blocks int) Option {
	return func(o *options) {
		if blocks > 0 {
			o.cacheLimit = blocks
		}
	}
}

// WithLogger sets the logger used for debug and warning output.
func WithLogger(log logrus.FieldLogger) Option {
	return func(o *options) {
		if log != nil {
			o.log = log
		}
	}
}

// WithClock sets the time source for entry timestamps.
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithStrictLongNames controls long-name validation. When enabled (the
// default) a long-name set whose checksum or sequence does not match its short
// entry is ignored in favour of the short name.
func WithStrictLongNames(strict bool) Option {
	return func(o *options) {
		o.strictLongNames = strict
	}
}
