// Package dispatcher runs conversion jobs end to end: cache lookup,
// connection acquisition, the remote convert call with retry, and the
// history ledger entry.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/penguin-orz/datamax2/pkg/cache"
	"github.com/penguin-orz/datamax2/pkg/filters"
	"github.com/penguin-orz/datamax2/pkg/history"
	"github.com/penguin-orz/datamax2/pkg/models"
	"github.com/penguin-orz/datamax2/pkg/pool"
)

// Config controls dispatch behavior.
type Config struct {
	MaxRetries      int           // retries after the first attempt, 0 disables
	JobTimeout      time.Duration // per-job budget, default 2m
	OutputDir       string        // fallback when the job names no output dir
	TempDir         string        // where buffer inputs are materialized
	TransientCodes  []string      // service codes worth retrying, nil = defaults
	FilterOverrides map[string]string
}

func (c *Config) applyDefaults() {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 2 * time.Minute
	}
	if c.OutputDir == "" {
		c.OutputDir = os.TempDir()
	}
}

// Dispatcher coordinates one conversion at a time per call; callers run
// Convert concurrently and the pool bounds the parallelism.
type Dispatcher struct {
	cfg      Config
	pool     *pool.Pool
	store    cache.Store // nil disables caching entirely
	ledger   history.Ledger
	resolver *filters.Resolver
	classify *Classifier
	log      zerolog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option { return func(d *Dispatcher) { d.log = l } }

// New creates a Dispatcher. store and ledger may be nil, disabling the
// result cache and the history ledger respectively.
func New(cfg Config, p *pool.Pool, store cache.Store, ledger history.Ledger, opts ...Option) *Dispatcher {
	cfg.applyDefaults()
	d := &Dispatcher{
		cfg:      cfg,
		pool:     p,
		store:    store,
		ledger:   ledger,
		resolver: filters.New(cfg.FilterOverrides),
		classify: NewClassifier(cfg.TransientCodes),
		log:      zerolog.Nop(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Convert runs one job to completion. Identical work already cached is
// answered without touching the pool; otherwise the job runs on a
// pooled connection with transient failures retried on a fresh one.
func (d *Dispatcher) Convert(ctx context.Context, job models.ConversionJob) (*models.ConversionResult, error) {
	start := time.Now()

	filter, err := d.resolver.Resolve(job.SourceFormat, job.TargetFormat)
	if err != nil {
		d.record(ctx, job, "", nil, start, 0, err)
		return nil, err
	}
	if (job.InputPath == "") == (len(job.Content) == 0) {
		err := models.NewError(models.ErrInputInvalid,
			"job needs exactly one of input path or content")
		d.record(ctx, job, "", nil, start, 0, err)
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.JobTimeout)
	defer cancel()

	fp, bytesIn, err := d.fingerprint(job)
	if err != nil {
		d.record(ctx, job, "", nil, start, bytesIn, err)
		return nil, err
	}

	if d.store != nil {
		res, ok, cerr := d.store.Get(ctx, fp)
		if cerr != nil {
			d.log.Warn().Err(cerr).Msg("cache unavailable, converting without it")
		} else if ok {
			out := *res
			out.CacheHit = true
			out.Fingerprint = fp
			out.Duration = time.Since(start)
			out.CompletedAt = time.Now().UTC()
			d.record(ctx, job, fp, &out, start, bytesIn, nil)
			return &out, nil
		}
	}

	inputPath := job.InputPath
	if inputPath == "" {
		inputPath, err = d.materialize(job)
		if err != nil {
			d.record(ctx, job, fp, nil, start, bytesIn, err)
			return nil, err
		}
		defer os.Remove(inputPath)
	}

	outPath, err := d.outputPath(job)
	if err != nil {
		d.record(ctx, job, fp, nil, start, bytesIn, err)
		return nil, err
	}

	raw, err := d.invoke(ctx, inputPath, outPath, filter)
	if err != nil {
		d.record(ctx, job, fp, nil, start, bytesIn, err)
		return nil, err
	}

	res := &models.ConversionResult{
		OutputPath:    outPath,
		BytesProduced: producedBytes(raw, outPath),
		Duration:      time.Since(start),
		FilterName:    filter,
		Fingerprint:   fp,
		CompletedAt:   time.Now().UTC(),
	}
	if d.store != nil {
		if cerr := d.store.Put(ctx, fp, *res); cerr != nil {
			d.log.Warn().Err(cerr).Msg("result not cached")
		}
	}
	d.record(ctx, job, fp, res, start, bytesIn, nil)
	return res, nil
}

// invoke performs the remote call, retrying transient failures on a
// fresh connection. A connection implicated in a transient failure is
// discarded so the retry lands on a different or restarted instance.
func (d *Dispatcher) invoke(ctx context.Context, inputPath, outPath, filter string) (json.RawMessage, error) {
	var lastErr error
	for attempt := 0; attempt <= d.cfg.MaxRetries; attempt++ {
		conn, err := d.pool.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		raw, err := conn.Session().Invoke(ctx, "convert", nil, map[string]any{
			"input_url":  fileURL(inputPath),
			"output_url": fileURL(outPath),
			"filter":     filter,
		})
		if err == nil {
			d.pool.Release(conn)
			return raw, nil
		}
		if !d.classify.Transient(err) {
			d.pool.Release(conn)
			return nil, err
		}
		d.pool.Discard(conn)
		lastErr = err
		if ctx.Err() != nil {
			// The job budget ended mid-call; the aborted call is the
			// failure to report, not whatever a retry on the dead
			// context would produce.
			return nil, lastErr
		}
		d.log.Warn().Err(err).Int("attempt", attempt+1).Msg("transient conversion failure")
	}
	return nil, lastErr
}

// fingerprint derives the cache key and the input size.
func (d *Dispatcher) fingerprint(job models.ConversionJob) (string, int64, error) {
	if len(job.Content) > 0 {
		return cache.Fingerprint(job.Content, job.SourceFormat, job.TargetFormat),
			int64(len(job.Content)), nil
	}
	fi, err := os.Stat(job.InputPath)
	if err != nil {
		return "", 0, models.WrapError(models.ErrInputInvalid, "input not readable", err)
	}
	fp, err := cache.FingerprintFile(job.InputPath, job.SourceFormat, job.TargetFormat)
	if err != nil {
		return "", 0, models.WrapError(models.ErrInputInvalid, "input not readable", err)
	}
	return fp, fi.Size(), nil
}

// materialize writes buffer content to a temp file the service can load.
func (d *Dispatcher) materialize(job models.ConversionJob) (string, error) {
	f, err := os.CreateTemp(d.cfg.TempDir, "datamax-*."+normalizeFormat(job.SourceFormat))
	if err != nil {
		return "", fmt.Errorf("materialize input: %w", err)
	}
	if _, err := f.Write(job.Content); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("materialize input: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("materialize input: %w", err)
	}
	return f.Name(), nil
}

func (d *Dispatcher) outputPath(job models.ConversionJob) (string, error) {
	dir := job.OutputDir
	if dir == "" {
		dir = d.cfg.OutputDir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("output dir: %w", err)
	}
	return filepath.Join(dir, job.ID+"."+normalizeFormat(job.TargetFormat)), nil
}

// record appends the outcome to the ledger. Ledger failures are logged,
// never surfaced; bookkeeping must not fail a finished job.
func (d *Dispatcher) record(ctx context.Context, job models.ConversionJob, fp string,
	res *models.ConversionResult, start time.Time, bytesIn int64, convErr error) {
	if d.ledger == nil {
		return
	}
	rec := models.ConversionRecord{
		JobID:        job.ID,
		Fingerprint:  fp,
		SourceFormat: normalizeFormat(job.SourceFormat),
		TargetFormat: normalizeFormat(job.TargetFormat),
		Status:       models.JobSucceeded,
		DurationMs:   time.Since(start).Milliseconds(),
		BytesIn:      bytesIn,
	}
	if res != nil {
		rec.CacheHit = res.CacheHit
		rec.BytesOut = res.BytesProduced
	}
	if convErr != nil {
		rec.Status = models.JobFailed
		rec.Error = convErr.Error()
	}
	if err := d.ledger.Record(ctx, rec); err != nil {
		d.log.Warn().Err(err).Str("job", job.ID).Msg("history record failed")
	}
}

// CacheStats reports result cache metrics, or zeros when caching is off.
func (d *Dispatcher) CacheStats(ctx context.Context) (models.CacheStats, error) {
	if d.store == nil {
		return models.CacheStats{}, nil
	}
	return d.store.Stats(ctx)
}

// PoolStats reports connection pool occupancy.
func (d *Dispatcher) PoolStats() pool.Stats {
	return d.pool.Stats()
}

func producedBytes(raw json.RawMessage, outPath string) int64 {
	var reply struct {
		Bytes int64 `json:"bytes"`
	}
	if err := json.Unmarshal(raw, &reply); err == nil && reply.Bytes > 0 {
		return reply.Bytes
	}
	if fi, err := os.Stat(outPath); err == nil {
		return fi.Size()
	}
	return 0
}

func fileURL(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return "file://" + filepath.ToSlash(abs)
}

func normalizeFormat(format string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(format), "."))
}
