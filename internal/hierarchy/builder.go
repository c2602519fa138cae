// Package hierarchy reconstructs the ancestor chain of an HS code.
package hierarchy

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"

	"github.com/hs-classifier/backend/internal/catalog"
)

type Builder struct {
	store catalog.Store
}

func NewBuilder(store catalog.Store) *Builder {
	return &Builder{store: store}
}

// Build returns the path from the chapter down to code. Ancestors missing
// from the catalog are left out; a missing code is ErrNotFound.
func (b *Builder) Build(ctx context.Context, code string) (catalog.HierarchyPath, error) {
	leaf, err := b.store.GetByCode(ctx, code)
	if err != nil {
		return nil, err
	}

	var path catalog.HierarchyPath
	for _, ancestor := range catalog.AncestorCodes(code) {
		e, err := b.store.GetByCode(ctx, ancestor)
		if errors.Is(err, catalog.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, eris.Wrapf(err, "load ancestor %s", ancestor)
		}
		path = append(path, e)
	}
	path = append(path, leaf)

	if err := path.Validate(code); err != nil {
		return nil, eris.Wrap(err, "inconsistent hierarchy")
	}
	return path, nil
}
