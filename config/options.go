// Package config carries the engine options and builds its logger.
package config

import (
	"errors"
	"fmt"
	"os"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var ErrUnknownMapMode = errors.New("config: unknown map mode")

// MapMode selects how the map-read path maps an image.
type MapMode uint8

const (
	// MapShared writes pointer fixups and the new fix base back to the file.
	MapShared MapMode = iota
	// MapPrivate keeps fixups in process-private copy-on-write pages.
	MapPrivate
	// MapReadOnly leaves the pages read-only; fixups, when needed, are done
	// privately before the pages are protected.
	MapReadOnly
)

func (m MapMode) String() string {
	switch m {
	case MapShared:
		return "shared"
	case MapPrivate:
		return "private"
	case MapReadOnly:
		return "readonly"
	default:
		return "invalid"
	}
}

func (m MapMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *MapMode) UnmarshalText(text []byte) error {
	switch string(text) {
	case "shared":
		*m = MapShared
	case "private":
		*m = MapPrivate
	case "readonly", "read-only":
		*m = MapReadOnly
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMapMode, text)
	}
	return nil
}

// Options configures one capture or restore session.
type Options struct {
	// Silent suppresses the summary printed after write and load.
	Silent bool `json:"silent"`
	// DebugLevel gates per-operation tracing: 1 traces session steps, 2 also
	// traces every acquire and fixup.
	DebugLevel int `json:"debug_level"`
	// MapMode is used by the map-read path.
	MapMode MapMode `json:"map_mode"`
	// StrictRemap makes the map-read path fail with image.ErrRemapMoved
	// instead of falling back when the fix base cannot be honoured.
	StrictRemap bool `json:"strict_remap"`
	// QueueBlockSize is the number of jobs per work queue block.
	QueueBlockSize int `json:"queue_block_size"`

	Logger *zap.SugaredLogger `json:"-"`
}

// Option mutates Options.
type Option func(*Options)

func WithSilent(silent bool) Option {
	return func(o *Options) { o.Silent = silent }
}

func WithDebugLevel(level int) Option {
	return func(o *Options) { o.DebugLevel = level }
}

func WithMapMode(mode MapMode) Option {
	return func(o *Options) { o.MapMode = mode }
}

func WithStrictRemap(strict bool) Option {
	return func(o *Options) { o.StrictRemap = strict }
}

func WithQueueBlockSize(n int) Option {
	return func(o *Options) { o.QueueBlockSize = n }
}

// WithLogger replaces the logger built from the other options.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(o *Options) { o.Logger = log }
}

// New applies opts over the defaults and builds the logger if none was given.
func New(opts ...Option) Options {
	o := Options{MapMode: MapShared, QueueBlockSize: 256}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Logger == nil {
		o.Logger = NewLogger(o.DebugLevel)
	}
	return o
}

// LoadFile reads options from a JSON file, then applies opts on top.
func LoadFile(path string, opts ...Option) (Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Options{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	o := Options{MapMode: MapShared, QueueBlockSize: 256}
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(data, &o); err != nil {
		return Options{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Logger == nil {
		o.Logger = NewLogger(o.DebugLevel)
	}
	return o, nil
}

// Log returns the session logger, never nil.
func (o Options) Log() *zap.SugaredLogger {
	if o.Logger == nil {
		return zap.NewNop().Sugar()
	}
	return o.Logger
}

// Summaryf prints a one-line summary unless Silent is set.
func (o Options) Summaryf(format string, args ...any) {
	if o.Silent {
		return
	}
	o.Log().Infof(format, args...)
}

// Tracef logs at debug level when DebugLevel is at least level.
func (o Options) Tracef(level int, format string, args ...any) {
	if o.DebugLevel < level {
		return
	}
	o.Log().Debugf(format, args...)
}
