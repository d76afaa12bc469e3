package storage

import (
	"context"
	"io"
	"sort"
	"strings"

	tlmerrors "github.com/flaneur2020/tlm-get/tlmget/errors"
)

// Router dispatches locators to backends by prefix. Locators matching no
// prefix go to the fallback backend, normally LocalStorage.
type Router struct {
	routes   []route
	fallback Storage
}

type route struct {
	prefix  string
	storage Storage
}

// NewRouter wires the standard backends: mem for /vsimem/, remote for
// /vsicurl/ and /vsis3/, local for plain paths. Nil backends are skipped.
func NewRouter(mem *MemFS, remote Storage, local Storage) *Router {
	r := &Router{fallback: local}
	if mem != nil {
		r.Handle(PrefixMem, mem)
	}
	if remote != nil {
		r.Handle(PrefixCurl, remote)
		r.Handle(PrefixS3, remote)
	}
	return r
}

// Handle routes locators starting with prefix to s. The longest matching
// prefix wins.
func (r *Router) Handle(prefix string, s Storage) {
	for i := range r.routes {
		if r.routes[i].prefix == prefix {
			r.routes[i].storage = s
			return
		}
	}
	r.routes = append(r.routes, route{prefix: prefix, storage: s})
	sort.Slice(r.routes, func(i, j int) bool {
		return len(r.routes[i].prefix) > len(r.routes[j].prefix)
	})
}

// Resolve returns the backend serving locator.
func (r *Router) Resolve(locator string) (Storage, error) {
	if err := ValidateLocator(locator); err != nil {
		return nil, err
	}
	for _, rt := range r.routes {
		if strings.HasPrefix(locator, rt.prefix) {
			return rt.storage, nil
		}
	}
	if strings.HasPrefix(locator, "/vsi") || r.fallback == nil {
		return nil, tlmerrors.ErrInvalidLocator.
			WithDetail("locator", locator).
			WithMessage("no storage backend for locator")
	}
	return r.fallback, nil
}

func (r *Router) Stat(ctx context.Context, locator string) (int64, error) {
	s, err := r.Resolve(locator)
	if err != nil {
		return 0, err
	}
	return s.Stat(ctx, locator)
}

func (r *Router) ReadRange(ctx context.Context, locator string, offset int64, length int64) (io.ReadCloser, error) {
	s, err := r.Resolve(locator)
	if err != nil {
		return nil, err
	}
	return s.ReadRange(ctx, locator, offset, length)
}
