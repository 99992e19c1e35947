// Package batch drives bulk regeneration over a paginated subject set. A
// page is fetched once, deterministically partitioned across shards by
// hashing, and processed with bounded concurrency. Parallel shard runs only
// need to agree on shard_total; they never coordinate otherwise.
package batch

import (
	"context"
	"crypto/md5"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/reflectapp/insightd/pkg/logger"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// Outcome classifies the result of processing one subject.
type Outcome string

const (
	OutcomeGenerated Outcome = "generated"
	OutcomeExists    Outcome = "exists"
	OutcomeError     Outcome = "error"
)

const errorSampleCap = 20

// Params describes one batch page run.
type Params struct {
	Job        string
	Offset     int
	Limit      int
	ShardTotal int
	ShardIndex int
	Force      bool
	DryRun     bool
	Now        time.Time

	// UserIDs, when set, bypasses page fetching and processes exactly these
	// subjects. Pagination fields are then reported as done.
	UserIDs []string
}

// Validate rejects malformed shard parameters before any store access.
func (p *Params) Validate() error {
	if p.Offset < 0 {
		return errors.New("offset must be >= 0")
	}
	if p.Limit < 1 || p.Limit > 2000 {
		return errors.New("limit must be 1..2000")
	}
	if p.ShardTotal < 1 || p.ShardTotal > 64 {
		return errors.New("shard_total must be 1..64")
	}
	if p.ShardIndex < 0 || p.ShardIndex >= p.ShardTotal {
		return errors.New("shard_index must be within 0..shard_total-1")
	}
	return nil
}

// Result is the structured summary a batch run always produces, even when
// individual subjects failed.
type Result struct {
	Job        string    `json:"job"`
	Now        time.Time `json:"now"`
	Offset     int       `json:"offset"`
	Limit      int       `json:"limit"`
	ShardTotal int       `json:"shard_total"`
	ShardIndex int       `json:"shard_index"`

	Processed int `json:"processed"`
	Generated int `json:"generated"`
	Exists    int `json:"exists"`
	Errors    int `json:"errors"`

	NextOffset   *int     `json:"next_offset"`
	Done         bool     `json:"done"`
	ErrorSamples []string `json:"error_samples"`
}

// FetchPage returns one page of subject ids.
type FetchPage func(ctx context.Context, offset, limit int) ([]string, error)

// ProcessOne performs the guarded generation step for a single subject.
type ProcessOne func(ctx context.Context, subjectID string) (Outcome, error)

// Runner executes batch pages with a bounded worker pool.
type Runner struct {
	concurrency int64
	log         zerolog.Logger
}

func NewRunner(concurrency int) *Runner {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Runner{
		concurrency: int64(concurrency),
		log:         logger.With("batch"),
	}
}

// ShardIndex computes a subject's shard deterministically across processes.
// The first four bytes of the md5 digest are used so every runner, in any
// process, places a given subject in the same shard.
func ShardIndex(subjectID string, shardTotal int) int {
	if shardTotal <= 1 {
		return 0
	}
	sum := md5.Sum([]byte(subjectID))
	return int(binary.BigEndian.Uint32(sum[:4]) % uint32(shardTotal))
}

// applyShard keeps only the subjects belonging to this run's shard.
func applyShard(subjects []string, shardTotal, shardIndex int) []string {
	if shardTotal <= 1 {
		return subjects
	}
	out := make([]string, 0, len(subjects))
	for _, s := range subjects {
		if ShardIndex(s, shardTotal) == shardIndex {
			out = append(out, s)
		}
	}
	return out
}

// Run fetches one page, filters it to this shard and processes the subset
// concurrently. A failing subject is recorded and counted but never aborts
// the page; every other subject is still attempted.
//
// Done and next_offset are computed from the unfiltered page size so
// pagination state is identical for every shard of a parallel run.
func (r *Runner) Run(ctx context.Context, p Params, fetch FetchPage, process ProcessOne) (*Result, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	res := &Result{
		Job:          p.Job,
		Now:          p.Now,
		Offset:       p.Offset,
		Limit:        p.Limit,
		ShardTotal:   p.ShardTotal,
		ShardIndex:   p.ShardIndex,
		ErrorSamples: []string{},
	}

	var raw []string
	explicit := len(p.UserIDs) > 0
	if explicit {
		raw = p.UserIDs
	} else {
		var err error
		raw, err = fetch(ctx, p.Offset, p.Limit)
		if err != nil {
			return nil, fmt.Errorf("fetch subjects: %w", err)
		}
	}
	rawCount := len(raw)

	subjects := applyShard(raw, p.ShardTotal, p.ShardIndex)
	res.Processed = len(subjects)

	sem := semaphore.NewWeighted(r.concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex

	record := func(subjectID string, outcome Outcome, err error) {
		mu.Lock()
		defer mu.Unlock()
		switch outcome {
		case OutcomeGenerated:
			res.Generated++
		case OutcomeExists:
			res.Exists++
		default:
			res.Errors++
			if len(res.ErrorSamples) < errorSampleCap {
				res.ErrorSamples = append(res.ErrorSamples, fmt.Sprintf("%s: %v", subjectID, err))
			}
		}
	}

	for _, subjectID := range subjects {
		if err := sem.Acquire(ctx, 1); err != nil {
			record(subjectID, OutcomeError, err)
			continue
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer sem.Release(1)

			outcome, err := runOne(ctx, process, id)
			if err != nil {
				outcome = OutcomeError
			}
			record(id, outcome, err)
		}(subjectID)
	}
	wg.Wait()

	if explicit {
		res.Done = true
	} else {
		res.Done = rawCount < p.Limit
		next := p.Offset + rawCount
		res.NextOffset = &next
	}

	r.log.Info().
		Str("job", p.Job).
		Int("offset", p.Offset).
		Int("limit", p.Limit).
		Int("shard_total", p.ShardTotal).
		Int("shard_index", p.ShardIndex).
		Int("processed", res.Processed).
		Int("generated", res.Generated).
		Int("exists", res.Exists).
		Int("errors", res.Errors).
		Bool("done", res.Done).
		Msg("batch page complete")

	return res, nil
}

// runOne isolates panics from a single subject so the rest of the page
// still runs.
func runOne(ctx context.Context, process ProcessOne, subjectID string) (outcome Outcome, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			outcome = OutcomeError
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return process(ctx, subjectID)
}
