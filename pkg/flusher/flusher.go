// Package flusher writes drained readings to a sink in bounded chunks.
package flusher

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/illmade-knight/machine-telemetry/pkg/types"
)

// InsertAck describes what a sink reported back for one chunk.
type InsertAck struct {
	// Returning is true when the backend echoes the identifiers of the rows it
	// actually wrote. DeviceIDs is only meaningful in that case.
	Returning bool
	DeviceIDs []string
}

// ReadingInserter is a bulk-insert sink for canonical readings. It abstracts
// the destination store (Postgres, BigQuery, ...).
type ReadingInserter interface {
	InsertReadings(ctx context.Context, rows []types.CanonicalReading) (InsertAck, error)
	Close() error
}

// Recorder receives the outcome of each flush cycle.
type Recorder interface {
	ObserveFlush(res Result, elapsed time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) ObserveFlush(Result, time.Duration) {}

// Config holds the flush cadence and chunking settings.
type Config struct {
	Interval  time.Duration
	ChunkSize int
	Timeout   time.Duration
}

// DefaultConfig returns a one minute cadence with 50-row chunks.
func DefaultConfig() Config {
	return Config{
		Interval:  60 * time.Second,
		ChunkSize: 50,
		Timeout:   30 * time.Second,
	}
}

// Result summarises one flush cycle.
type Result struct {
	CycleID      string
	BatchSize    int
	Chunks       int
	Inserted     int
	FailedChunks int
	FailedRows   int
	DeviceIDs    []string
	// ZeroChunks counts chunks that did not fail but wrote no rows.
	ZeroChunks int
	// ZeroInsert is set when a non-empty batch ended with no inserted rows
	// although at least one chunk completed without error.
	ZeroInsert bool
}

// Flusher owns a drained batch for the duration of one cycle.
type Flusher struct {
	config   Config
	inserter ReadingInserter
	recorder Recorder
	logger   zerolog.Logger
}

// New creates a Flusher. Non-positive settings fall back to DefaultConfig.
// recorder may be nil.
func New(config Config, inserter ReadingInserter, recorder Recorder, logger zerolog.Logger) *Flusher {
	defaults := DefaultConfig()
	if config.ChunkSize <= 0 {
		logger.Warn().Int("provided_chunk_size", config.ChunkSize).Int("default_chunk_size", defaults.ChunkSize).
			Msg("ChunkSize was zero or negative, applying default value.")
		config.ChunkSize = defaults.ChunkSize
	}
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Flusher{
		config:   config,
		inserter: inserter,
		recorder: recorder,
		logger:   logger.With().Str("component", "BatchFlusher").Logger(),
	}
}

// Config returns the effective configuration.
func (f *Flusher) Config() Config {
	return f.config
}

// Chunk splits rows into consecutive slices of at most size rows.
func Chunk(rows []types.CanonicalReading, size int) [][]types.CanonicalReading {
	if size <= 0 || len(rows) == 0 {
		return nil
	}
	chunks := make([][]types.CanonicalReading, 0, (len(rows)+size-1)/size)
	for start := 0; start < len(rows); start += size {
		end := min(start+size, len(rows))
		chunks = append(chunks, rows[start:end])
	}
	return chunks
}

// Flush writes readings chunk by chunk. A failing chunk is logged and dropped;
// the remaining chunks are still attempted. Nothing is retried.
func (f *Flusher) Flush(ctx context.Context, readings []types.CanonicalReading) Result {
	res := Result{CycleID: uuid.NewString(), BatchSize: len(readings)}
	if len(readings) == 0 {
		return res
	}
	started := time.Now()
	logger := f.logger.With().Str("cycle_id", res.CycleID).Logger()

	chunks := Chunk(readings, f.config.ChunkSize)
	res.Chunks = len(chunks)
	written := make(map[string]struct{})

	for i, chunk := range chunks {
		inserted, ids, err := f.insertChunk(ctx, chunk)
		if err != nil {
			res.FailedChunks++
			res.FailedRows += len(chunk)
			logger.Error().Err(err).
				Int("chunk", i+1).
				Int("chunks", len(chunks)).
				Int("rows", len(chunk)).
				Strs("device_ids", deviceIDs(chunk)).
				Msg("Failed to insert chunk, rows dropped for this cycle")
			continue
		}
		if inserted == 0 {
			res.ZeroChunks++
			logger.Warn().Int("chunk", i+1).Int("rows", len(chunk)).
				Strs("device_ids", deviceIDs(chunk)).
				Msg("Chunk insert succeeded but no rows were written")
		}
		res.Inserted += inserted
		for _, id := range ids {
			written[id] = struct{}{}
		}
		logger.Debug().Int("chunk", i+1).Int("chunks", len(chunks)).Int("inserted", inserted).Msg("Chunk inserted")
	}

	res.DeviceIDs = make([]string, 0, len(written))
	for id := range written {
		res.DeviceIDs = append(res.DeviceIDs, id)
	}
	sort.Strings(res.DeviceIDs)

	if res.Inserted == 0 && res.FailedChunks < res.Chunks {
		res.ZeroInsert = true
		logger.Warn().Int("batch_size", res.BatchSize).
			Msg("Sink reported zero inserted rows for a non-empty batch; check write permissions or read-only replica")
	} else {
		logger.Info().
			Int("batch_size", res.BatchSize).
			Int("inserted", res.Inserted).
			Int("failed_chunks", res.FailedChunks).
			Int("failed_rows", res.FailedRows).
			Strs("device_ids", res.DeviceIDs).
			Msg("Flush cycle complete")
	}

	f.recorder.ObserveFlush(res, time.Since(started))
	return res
}

// insertChunk interprets the sink's acknowledgement. Backends that cannot echo
// identifiers are taken to have written the whole chunk.
func (f *Flusher) insertChunk(ctx context.Context, chunk []types.CanonicalReading) (int, []string, error) {
	chunkCtx, cancel := context.WithTimeout(ctx, f.config.Timeout)
	defer cancel()

	ack, err := f.inserter.InsertReadings(chunkCtx, chunk)
	if err != nil {
		return 0, nil, err
	}
	if ack.Returning {
		return len(ack.DeviceIDs), ack.DeviceIDs, nil
	}
	return len(chunk), deviceIDs(chunk), nil
}

func deviceIDs(rows []types.CanonicalReading) []string {
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.DeviceID
	}
	return ids
}
