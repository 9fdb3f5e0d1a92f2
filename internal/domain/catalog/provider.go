package catalog

import (
	"context"

	"github.com/go-faster/errors"
)

// ErrUnknownTenant is returned by providers for tenant environments without
// settings.
var ErrUnknownTenant = errors.New("unknown tenant environment")

// Provider loads the current catalog snapshot of a tenant environment.
type Provider interface {
	Catalog(ctx context.Context, tenant TenantEnvironment) (*Catalog, error)
}

// Static serves fixed catalogs, keyed by tenant environment.
type Static map[TenantEnvironment]*Catalog

// NewStatic indexes the catalogs by their tenant environment.
func NewStatic(catalogs ...*Catalog) Static {
	s := make(Static, len(catalogs))
	for _, c := range catalogs {
		s[c.Tenant] = c
	}
	return s
}

func (s Static) Catalog(_ context.Context, tenant TenantEnvironment) (*Catalog, error) {
	c, ok := s[tenant]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownTenant, "tenant %s", tenant)
	}
	return c, nil
}
