// Package convert maps ATProto records to ActivityPub objects and back.
// Each collection has one converter; the registry is assembled at startup
// and immutable afterwards.
package convert

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/klppl/skybridge/internal/ap"
	"github.com/klppl/skybridge/internal/db"
	"github.com/klppl/skybridge/internal/pds"
)

// Env bundles the read-only collaborators converters need. Converters never
// write to the store; persistence is the caller's job.
type Env struct {
	Store   *db.Store
	PDS     *pds.Client
	Actors  *ap.Actors
	Bridges *pds.Manager
	Fetcher *BlobFetcher
}

// Result is the outbound product of a converter: a wrapped object (Create
// carrying a Note) or a bare activity (Like, Announce). Object is nil for
// bare activities.
type Result struct {
	Object   *ap.Note
	Activity ap.Activity
}

// Converter translates one record collection. ToActivityPub returns
// (nil, nil) when the record must not federate; ToRecord returns (nil, nil)
// for one-way converters.
type Converter interface {
	Collection() string
	ToActivityPub(ctx context.Context, did, rkey string, record map[string]interface{}, env *Env) (*Result, error)
	ToRecord(ctx context.Context, note *ap.Note, env *Env) (map[string]interface{}, error)
}

// Registry maps collection names to converters.
type Registry struct {
	converters map[string]Converter
}

func NewRegistry(convs ...Converter) *Registry {
	r := &Registry{converters: make(map[string]Converter, len(convs))}
	for _, c := range convs {
		r.converters[c.Collection()] = c
	}
	return r
}

// For returns the converter for a collection, if one is registered.
func (r *Registry) For(collection string) (Converter, bool) {
	c, ok := r.converters[collection]
	return c, ok
}

// decodeRecord round-trips a generic record value into a typed lexicon
// struct.
func decodeRecord(record map[string]interface{}, out interface{}) error {
	buf, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("re-encode record: %w", err)
	}
	if err := json.Unmarshal(buf, out); err != nil {
		return fmt.Errorf("decode record: %w", err)
	}
	return nil
}
