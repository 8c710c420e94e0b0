package ops

import (
	"context"
	"encoding/json"

	"github.com/pegboardhq/engine/pkg/kv"
)

// defaultSamplerRatio is restored when a tracing config update resets the
// sampler ratio, matching the original engine's documented default.
const defaultSamplerRatio = 0.001

// TracingConfig is the live, persisted tracing configuration.
type TracingConfig struct {
	Filter       string  `json:"filter"`
	SamplerRatio float64 `json:"sampler_ratio"`
}

// TracingConfigUpdate carries the double-option semantics of the original
// command's Option<Option<T>> fields: a field absent from the request
// leaves the current value untouched; a field present with a nil pointer
// resets it to default; a field present with a non-nil pointer sets it.
// FilterSet/SamplerRatioSet record "was this field present at all",
// distinguishing it from the Go zero value of the pointer fields below.
type TracingConfigUpdate struct {
	FilterSet    bool
	Filter       *string

	SamplerRatioSet bool
	SamplerRatio    *float64
}

// UnmarshalJSON implements the tri-state decode: a key's mere presence in
// the JSON object (even set to null) is distinguished from its absence by
// first decoding into a map of raw messages.
func (u *TracingConfigUpdate) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if msg, ok := raw["filter"]; ok {
		u.FilterSet = true
		if string(msg) != "null" {
			var v string
			if err := json.Unmarshal(msg, &v); err != nil {
				return err
			}
			u.Filter = &v
		}
	}
	if msg, ok := raw["sampler_ratio"]; ok {
		u.SamplerRatioSet = true
		if string(msg) != "null" {
			var v float64
			if err := json.Unmarshal(msg, &v); err != nil {
				return err
			}
			u.SamplerRatio = &v
		}
	}
	return nil
}

// Tracing implements the debug tracing-config surface: PUT
// /debug/tracing/config's double-option update, persisted as the single
// live TracingConfig record and read back by the logging layer on next
// reconfigure tick.
type Tracing struct {
	db *kv.DB
}

// NewTracing constructs a Tracing surface backed by db.
func NewTracing(db *kv.DB) *Tracing { return &Tracing{db: db} }

// Get returns the current tracing config, defaulting an absent record to
// an empty filter (inherit ambient default) and defaultSamplerRatio.
func (t *Tracing) Get(ctx context.Context) (TracingConfig, error) {
	cfg := TracingConfig{SamplerRatio: defaultSamplerRatio}
	err := kv.Run(ctx, t.db, false, func(txn *kv.Txn) error {
		data, ok := txn.Get(kv.TracingConfigKey{})
		if !ok {
			return nil
		}
		return json.Unmarshal(data, &cfg)
	})
	return cfg, err
}

// Update applies upd's tri-state fields and persists the result: an unset
// field keeps the current value, a present-but-nil field resets to
// default, and a present non-nil field sets that value.
func (t *Tracing) Update(ctx context.Context, upd TracingConfigUpdate) (TracingConfig, error) {
	cfg, err := t.Get(ctx)
	if err != nil {
		return TracingConfig{}, err
	}

	if upd.FilterSet {
		if upd.Filter == nil {
			cfg.Filter = ""
		} else {
			cfg.Filter = *upd.Filter
		}
	}
	if upd.SamplerRatioSet {
		if upd.SamplerRatio == nil {
			cfg.SamplerRatio = defaultSamplerRatio
		} else {
			cfg.SamplerRatio = *upd.SamplerRatio
		}
	}

	data, err := json.Marshal(cfg)
	if err != nil {
		return TracingConfig{}, err
	}
	err = kv.Run(ctx, t.db, true, func(txn *kv.Txn) error {
		return txn.Set(kv.TracingConfigKey{}, data)
	})
	if err != nil {
		return TracingConfig{}, err
	}
	return cfg, nil
}
