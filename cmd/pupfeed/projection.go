package main

import (
	"fmt"

	"github.com/getpup/pupfeed/feed"
	"github.com/getpup/pupfeed/feed/keyexpr"
	"github.com/getpup/pupfeed/feed/projection"
	"github.com/getpup/pupfeed/feed/state"
)

// ownerKeyFunc picks an expression, a field or the fallback, in that order.
func ownerKeyFunc(expr, field string, fallback projection.OwnerKeyFunc) (projection.OwnerKeyFunc, error) {
	switch {
	case expr != "":
		e, err := keyexpr.Compile(expr)
		if err != nil {
			return nil, err
		}
		return e.OwnerKeyFunc(), nil
	case field != "":
		return projection.OwnerField(field), nil
	default:
		return fallback, nil
	}
}

// registerProjection registers the configured owner projection on source.
func registerProjection(cfg Config, source feed.Source, container state.Container, opts ...projection.Option) error {
	keyFn, err := ownerKeyFunc(cfg.KeyExpr, cfg.KeyField, projection.SubKey)
	if err != nil {
		return fmt.Errorf("key: %w", err)
	}

	switch cfg.Shape {
	case "flat":
		return projection.MapOwnerRecords(source, cfg.SubRef, container, cfg.Projection, keyFn, opts...)
	case "grouped":
		subKeyFn, err := ownerKeyFunc(cfg.SubKeyExpr, cfg.SubKeyField, nil)
		if err != nil {
			return fmt.Errorf("sub key: %w", err)
		}
		return projection.GroupOwnerRecords(source, cfg.SubRef, container, cfg.Projection, keyFn, subKeyFn, opts...)
	case "count":
		return projection.CountOwnerRecords(source, cfg.SubRef, container, cfg.Projection, keyFn, opts...)
	default:
		return fmt.Errorf("unknown shape %q", cfg.Shape)
	}
}

// projectionSize returns the number of keys of the named projection.
func projectionSize(snapshot state.State, name string) int {
	switch p := snapshot[name].(type) {
	case projection.Flat:
		return len(p)
	case projection.Grouped:
		return len(p)
	case projection.Counts:
		return len(p)
	default:
		return 0
	}
}
