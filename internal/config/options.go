package config

import (
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
)

// Direction of synchronisation.
type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
	DirectionSync Direction = "sync"
)

// Conflict resolution: keep the Local file, the Remote file, Both files or Skip.
type Conflict string

const (
	ConflictLocal  Conflict = "L"
	ConflictRemote Conflict = "R"
	ConflictBoth   Conflict = "B"
	ConflictSkip   Conflict = "S"
)

const (
	DefaultThreads  = 5
	DefaultRetries  = 3
	DefaultLogLevel = 5
)

// Options is the finished configuration produced from the command line.
type Options struct {
	Direction   Direction
	LocalPath   string
	RemotePath  string
	Threads     int
	Retries     int
	Conflict    Conflict
	MinSize     int64 // Bytes; zero means no lower bound
	MaxSize     int64 // Bytes; zero means no upper bound
	DryRun      bool
	Offline     bool
	HashCompare bool
	Recursive   bool
	LogLevel    int // 1 (errors only) to 7 (everything)
	LogFile     string
	KeyFile     string
}

// DefaultOptions returns the options used when nothing is specified.
func DefaultOptions() Options {
	return Options{
		Threads:  DefaultThreads,
		Retries:  DefaultRetries,
		LogLevel: DefaultLogLevel,
	}
}

// Validate reports every invalid field at once.
func (o Options) Validate() error {
	var errs []error

	switch o.Direction {
	case "", DirectionUp, DirectionDown, DirectionSync:
	default:
		errs = append(errs, fmt.Errorf("direction must be up, down or sync, got %q", o.Direction))
	}

	switch o.Conflict {
	case "", ConflictLocal, ConflictRemote, ConflictBoth, ConflictSkip:
	default:
		errs = append(errs, fmt.Errorf("conflict must be one of L, R, B or S, got %q", o.Conflict))
	}

	if o.Threads < 1 {
		errs = append(errs, fmt.Errorf("threads must be at least 1, got %d", o.Threads))
	}
	if o.Retries < 0 {
		errs = append(errs, fmt.Errorf("retries cannot be negative, got %d", o.Retries))
	}
	if o.LogLevel < 1 || o.LogLevel > 7 {
		errs = append(errs, fmt.Errorf("log level must be between 1 and 7, got %d", o.LogLevel))
	}
	if o.MinSize < 0 || o.MaxSize < 0 {
		errs = append(errs, errors.New("sizes cannot be negative"))
	}
	if o.MaxSize > 0 && o.MinSize > o.MaxSize {
		errs = append(errs, fmt.Errorf("min size %s exceeds max size %s",
			humanize.Bytes(uint64(o.MinSize)), humanize.Bytes(uint64(o.MaxSize))))
	}

	return errors.Join(errs...)
}

// InSizeRange reports whether a file of size bytes passes the size filters.
func (o Options) InSizeRange(size int64) bool {
	if o.MinSize > 0 && size < o.MinSize {
		return false
	}
	if o.MaxSize > 0 && size > o.MaxSize {
		return false
	}
	return true
}

// ParseSize parses a human readable size such as "512", "10M" or "1.5 GiB".
// An empty string means zero.
func ParseSize(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return int64(n), nil
}
