package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func validParams() Params {
	return Params{
		Job:        "daily",
		Offset:     0,
		Limit:      100,
		ShardTotal: 1,
		ShardIndex: 0,
		Now:        time.Date(2026, 8, 22, 9, 0, 0, 0, time.UTC),
	}
}

func TestParamsValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Params)
		wantErr bool
	}{
		{"valid", func(p *Params) {}, false},
		{"negative offset", func(p *Params) { p.Offset = -1 }, true},
		{"zero limit", func(p *Params) { p.Limit = 0 }, true},
		{"limit too large", func(p *Params) { p.Limit = 2001 }, true},
		{"limit at max", func(p *Params) { p.Limit = 2000 }, false},
		{"zero shard total", func(p *Params) { p.ShardTotal = 0 }, true},
		{"shard total too large", func(p *Params) { p.ShardTotal = 65 }, true},
		{"shard total at max", func(p *Params) { p.ShardTotal = 64; p.ShardIndex = 63 }, false},
		{"shard index out of range", func(p *Params) { p.ShardTotal = 4; p.ShardIndex = 4 }, true},
		{"negative shard index", func(p *Params) { p.ShardIndex = -1 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validParams()
			tt.mutate(&p)
			err := p.Validate()
			if tt.wantErr && err == nil {
				t.Errorf("expected validation error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected validation error: %v", err)
			}
		})
	}
}

func TestShardIndex_DeterministicAndInRange(t *testing.T) {
	for i := 0; i < 100; i++ {
		id := fmt.Sprintf("user-%d", i)
		first := ShardIndex(id, 8)
		if first < 0 || first >= 8 {
			t.Fatalf("ShardIndex(%q, 8) = %d, out of range", id, first)
		}
		if second := ShardIndex(id, 8); second != first {
			t.Errorf("ShardIndex(%q, 8) not deterministic: %d vs %d", id, first, second)
		}
	}
}

func TestShardIndex_PartitionsPopulation(t *testing.T) {
	ids := make([]string, 200)
	for i := range ids {
		ids[i] = fmt.Sprintf("user-%d", i)
	}

	for _, total := range []int{1, 2, 4, 64} {
		seen := make(map[string]int)
		for shard := 0; shard < total; shard++ {
			for _, id := range applyShard(ids, total, shard) {
				seen[id]++
			}
		}
		if len(seen) != len(ids) {
			t.Errorf("shard_total=%d: union covers %d of %d subjects", total, len(seen), len(ids))
		}
		for id, n := range seen {
			if n != 1 {
				t.Errorf("shard_total=%d: subject %q appears in %d shards", total, id, n)
			}
		}
	}
}

func staticFetch(ids []string) FetchPage {
	return func(ctx context.Context, offset, limit int) ([]string, error) {
		if offset >= len(ids) {
			return nil, nil
		}
		end := offset + limit
		if end > len(ids) {
			end = len(ids)
		}
		return ids[offset:end], nil
	}
}

func TestRun_CountsOutcomes(t *testing.T) {
	r := NewRunner(4)
	ids := []string{"a", "b", "c", "d"}

	res, err := r.Run(context.Background(), validParams(), staticFetch(ids),
		func(ctx context.Context, id string) (Outcome, error) {
			switch id {
			case "a":
				return OutcomeGenerated, nil
			case "b", "c":
				return OutcomeExists, nil
			default:
				return OutcomeError, errors.New("boom")
			}
		})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if res.Processed != 4 {
		t.Errorf("Processed = %d, expected 4", res.Processed)
	}
	if res.Generated != 1 {
		t.Errorf("Generated = %d, expected 1", res.Generated)
	}
	if res.Exists != 2 {
		t.Errorf("Exists = %d, expected 2", res.Exists)
	}
	if res.Errors != 1 {
		t.Errorf("Errors = %d, expected 1", res.Errors)
	}
	if len(res.ErrorSamples) != 1 {
		t.Errorf("ErrorSamples = %v, expected one sample", res.ErrorSamples)
	}
	if !res.Done {
		t.Errorf("short page should mark the run done")
	}
	if res.NextOffset == nil || *res.NextOffset != 4 {
		t.Errorf("NextOffset = %v, expected 4", res.NextOffset)
	}
}

func TestRun_ErrorIsolation(t *testing.T) {
	r := NewRunner(2)
	ids := []string{"a", "b", "c"}

	var mu sync.Mutex
	processed := map[string]bool{}

	res, err := r.Run(context.Background(), validParams(), staticFetch(ids),
		func(ctx context.Context, id string) (Outcome, error) {
			mu.Lock()
			processed[id] = true
			mu.Unlock()
			if id == "b" {
				panic("subject b exploded")
			}
			return OutcomeGenerated, nil
		})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(processed) != 3 {
		t.Errorf("all subjects should be attempted, got %d", len(processed))
	}
	if res.Errors != 1 {
		t.Errorf("Errors = %d, expected 1 from the panic", res.Errors)
	}
	if res.Generated != 2 {
		t.Errorf("Generated = %d, expected 2", res.Generated)
	}
}

func TestRun_DoneFromUnfilteredPageSize(t *testing.T) {
	r := NewRunner(2)
	ids := make([]string, 10)
	for i := range ids {
		ids[i] = fmt.Sprintf("user-%d", i)
	}

	p := validParams()
	p.Limit = 10
	p.ShardTotal = 4
	p.ShardIndex = 0

	res, err := r.Run(context.Background(), p, staticFetch(ids),
		func(ctx context.Context, id string) (Outcome, error) {
			return OutcomeGenerated, nil
		})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	// The shard processes its subset, but pagination advances by the full page.
	want := 0
	for _, id := range ids {
		if ShardIndex(id, 4) == 0 {
			want++
		}
	}
	if res.Processed != want {
		t.Errorf("Processed = %d, expected %d", res.Processed, want)
	}
	if res.NextOffset == nil || *res.NextOffset != 10 {
		t.Errorf("NextOffset = %v, expected 10 regardless of shard filtering", res.NextOffset)
	}
	if res.Done {
		t.Errorf("full page must not be done even when the shard subset is small")
	}
}

func TestRun_ExplicitSubjects(t *testing.T) {
	r := NewRunner(2)

	p := validParams()
	p.UserIDs = []string{"x", "y"}

	res, err := r.Run(context.Background(), p,
		func(ctx context.Context, offset, limit int) ([]string, error) {
			t.Fatalf("fetch must not be called with explicit user_ids")
			return nil, nil
		},
		func(ctx context.Context, id string) (Outcome, error) {
			return OutcomeGenerated, nil
		})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if res.Processed != 2 {
		t.Errorf("Processed = %d, expected 2", res.Processed)
	}
	if !res.Done {
		t.Errorf("explicit subject runs are always done")
	}
	if res.NextOffset != nil {
		t.Errorf("NextOffset = %v, expected nil for explicit subjects", res.NextOffset)
	}
}

func TestRun_ErrorSampleCap(t *testing.T) {
	r := NewRunner(4)
	ids := make([]string, 30)
	for i := range ids {
		ids[i] = fmt.Sprintf("user-%d", i)
	}

	res, err := r.Run(context.Background(), validParams(), staticFetch(ids),
		func(ctx context.Context, id string) (Outcome, error) {
			return OutcomeError, errors.New("boom")
		})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if res.Errors != 30 {
		t.Errorf("Errors = %d, expected 30", res.Errors)
	}
	if len(res.ErrorSamples) != errorSampleCap {
		t.Errorf("ErrorSamples length = %d, expected cap %d", len(res.ErrorSamples), errorSampleCap)
	}
}

func TestRun_FetchErrorAborts(t *testing.T) {
	r := NewRunner(2)

	_, err := r.Run(context.Background(), validParams(),
		func(ctx context.Context, offset, limit int) ([]string, error) {
			return nil, errors.New("store down")
		},
		func(ctx context.Context, id string) (Outcome, error) {
			return OutcomeGenerated, nil
		})
	if err == nil {
		t.Errorf("a page fetch failure must abort the run")
	}
}
