// Package source enumerates logical items from a remote document system:
// either a hierarchical wiki page tree or an offset-paginated issue search.
package source

import (
	"context"
	"errors"
	"fmt"

	"kbharvest/internal/model"
)

var (
	// ErrDone signals normal traversal exhaustion.
	ErrDone = errors.New("traversal exhausted")
	// ErrAuthentication marks credential rejection by the source; it is
	// task-fatal and never retried.
	ErrAuthentication = errors.New("authentication rejected by source")
	// ErrParse marks a malformed response for one item; the item is
	// skipped and the task continues.
	ErrParse = errors.New("malformed source response")
)

// Traverser produces a lazy, finite, non-restartable sequence of items.
// Next returns ErrDone once the source is exhausted. Items carry a
// monotonically non-decreasing PageIndex used to partition output.
type Traverser interface {
	Next(ctx context.Context) (*model.CrawlItem, error)
	// Skipped reports how many items or nodes were lost to non-fatal
	// errors during traversal so far.
	Skipped() int
}

// Params carries everything a builder needs to construct a traverser for
// one task.
type Params struct {
	Client *Client
	// BaseURL is the configured root of the source system. A wiki query
	// given as a full URL overrides it.
	BaseURL  string
	Query    string
	PageSize int
}

// Builder constructs a traverser for one mode.
type Builder func(p Params) (Traverser, error)

var builders = map[model.Mode]Builder{}

// RegisterBuilder installs the builder for a mode. Called from init; last
// registration wins.
func RegisterBuilder(mode model.Mode, b Builder) {
	builders[mode] = b
}

// NewTraverser builds a traverser for the given mode.
func NewTraverser(mode model.Mode, p Params) (Traverser, error) {
	b, ok := builders[mode]
	if !ok {
		return nil, fmt.Errorf("no traverser registered for mode %q", mode)
	}
	return b(p)
}
