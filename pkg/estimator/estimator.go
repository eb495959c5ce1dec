// Package estimator predicts step durations from execution history. A step
// template is matched against comparable past executions: movement steps by
// their (source kind, target kind) pair, operations by fct plus parameters,
// falling back to fct alone. The estimate is the sample upper confidence
// bound at the configured level, so schedules err on the generous side.
package estimator

import (
	"fmt"
	"math"
	"sort"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/mitchellh/hashstructure/v2"

	"github.com/plateworks/conductor/pkg/store"
	"github.com/plateworks/conductor/pkg/types"
)

// History is the slice of the status store the estimator reads.
type History interface {
	ListHistory(f store.HistoryFilter) ([]*types.HistoryRecord, error)
}

// Template identifies the class of step being estimated.
type Template struct {
	Fct        string
	Params     map[string]string
	IsMovement bool
	SourceKind types.DeviceKind
	TargetKind types.DeviceKind
}

// Config tunes the estimator.
type Config struct {
	// Confidence is the quantile of the sample distribution returned as the
	// estimate.
	Confidence float64
	// MinSamples is the smallest history population that yields an estimate;
	// below it the caller falls back to the declared expected duration.
	MinSamples int
	// CacheTTL bounds how stale a cached estimate may be.
	CacheTTL time.Duration
}

func DefaultConfig() Config {
	return Config{
		Confidence: 0.95,
		MinSamples: 5,
		CacheTTL:   time.Minute,
	}
}

type Estimator struct {
	history History
	cfg     Config
	cache   *gocache.Cache
}

func New(history History, cfg Config) *Estimator {
	def := DefaultConfig()
	if cfg.Confidence <= 0 || cfg.Confidence > 1 {
		cfg.Confidence = def.Confidence
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = def.MinSamples
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = def.CacheTTL
	}
	return &Estimator{
		history: history,
		cfg:     cfg,
		cache:   gocache.New(cfg.CacheTTL, 2*cfg.CacheTTL),
	}
}

// Estimate returns the upper-confidence-bound duration for the template, or
// false when too little history exists.
func (e *Estimator) Estimate(tpl Template) (time.Duration, bool) {
	key, err := hashstructure.Hash(tpl, hashstructure.FormatV2, nil)
	if err == nil {
		if cached, ok := e.cache.Get(fmt.Sprintf("%d", key)); ok {
			d := cached.(time.Duration)
			return d, d > 0
		}
	}

	d, ok := e.estimate(tpl)
	if err == nil {
		miss := time.Duration(0)
		if ok {
			miss = d
		}
		e.cache.Set(fmt.Sprintf("%d", key), miss, gocache.DefaultExpiration)
	}
	return d, ok
}

func (e *Estimator) estimate(tpl Template) (time.Duration, bool) {
	samples := e.samples(tpl)
	if len(samples) < e.cfg.MinSamples {
		return 0, false
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	idx := int(math.Ceil(e.cfg.Confidence*float64(len(samples)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(samples) {
		idx = len(samples) - 1
	}
	return samples[idx], true
}

func (e *Estimator) samples(tpl Template) []time.Duration {
	if tpl.IsMovement {
		mv := true
		recs, err := e.history.ListHistory(store.HistoryFilter{
			IsMovement: &mv,
			SourceKind: tpl.SourceKind,
			TargetKind: tpl.TargetKind,
			Status:     types.StepStatusOK,
		})
		if err != nil {
			return nil
		}
		return durations(recs)
	}

	recs, err := e.history.ListHistory(store.HistoryFilter{
		Fct:    tpl.Fct,
		Status: types.StepStatusOK,
	})
	if err != nil {
		return nil
	}

	// Prefer executions with identical parameters; fall back to the fct
	// population when the parameterized one is too thin.
	var exact []*types.HistoryRecord
	for _, r := range recs {
		if paramsEqual(r.Params, tpl.Params) {
			exact = append(exact, r)
		}
	}
	if len(exact) >= e.cfg.MinSamples {
		return durations(exact)
	}
	return durations(recs)
}

func durations(recs []*types.HistoryRecord) []time.Duration {
	out := make([]time.Duration, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Finish.Sub(r.Start))
	}
	return out
}

func paramsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}
