package docsync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-viper/mapstructure/v2"

	"github.com/mesh-intelligence/docsync/pkg/types"
)

// Encode converts a struct into record state using its json tags.
func Encode(v any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	var state map[string]any
	if err := json.Unmarshal(b, &state); err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return state, nil
}

// Decode converts record state into T using its json tags. Timestamps stored
// as RFC 3339 strings decode into time.Time fields.
func Decode[T any](state map[string]any) (T, error) {
	var out T
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:     &out,
		TagName:    "json",
		DecodeHook: mapstructure.StringToTimeHookFunc(time.RFC3339Nano),
	})
	if err != nil {
		return out, err
	}
	if err := dec.Decode(state); err != nil {
		return out, fmt.Errorf("decode record: %w", err)
	}
	return out, nil
}

// Put stores v as record id of coll.
func Put[T any](ctx context.Context, coll types.CollectionRef, id string, v T) (types.RecordRef, error) {
	state, err := Encode(v)
	if err != nil {
		return nil, err
	}
	return coll.Set(ctx, id, state)
}

// Get reads rec into T. ok is false when the record does not exist.
func Get[T any](ctx context.Context, rec types.RecordRef) (v T, ok bool, err error) {
	state, ok := rec.Get(ctx)
	if !ok {
		return v, false, nil
	}
	v, err = Decode[T](state)
	return v, err == nil, err
}
