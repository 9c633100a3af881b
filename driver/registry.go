package driver

import (
	"context"
	"fmt"

	"github.com/Chandorkar-Technologies/Zero-sub000/models"
)

// Registry maps provider kinds onto their factories.
type Registry struct {
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

func (r *Registry) Register(kind string, f Factory) {
	r.factories[kind] = f
}

func (r *Registry) ForConnection(ctx context.Context, conn *models.Connection) (Driver, error) {
	f, ok := r.factories[conn.ProviderKind]
	if !ok {
		return nil, NewError(KindUnsupported, conn.ProviderKind, "for_connection", fmt.Errorf("no driver registered for provider %q", conn.ProviderKind))
	}
	return f.ForConnection(ctx, conn)
}
