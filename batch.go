package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
)

// generateInsert produces the positional INSERT for t. Values are always
// bound, never interpolated.
func generateInsert(t Table, keyspace string) string {
	cols := make([]string, len(t.Columns))
	marks := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		cols[i] = cqlIdent(c.Name)
		marks[i] = "?"
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		cqlQualified(keyspace, t.Name), strings.Join(cols, ", "), strings.Join(marks, ", "))
}

type batchOptions struct {
	Size     int
	MaxBytes int // 0 disables the byte bound
	Retries  int
	Backoff  time.Duration
	Timeout  time.Duration // per submission; 0 leaves it to the driver
}

// batchLoader groups one table's rows into bounded batches and submits them
// in the order they were added.
type batchLoader struct {
	target  TargetDB
	table   string
	insert  string
	opts    batchOptions
	metrics *migrationMetrics

	buf      []Row
	bufBytes int
	firstRow int64
	lastRow  int64

	batches     int
	rowsWritten int64
}

func newBatchLoader(target TargetDB, table, insert string, opts batchOptions, metrics *migrationMetrics) *batchLoader {
	if opts.Size < 1 {
		opts.Size = 1
	}
	return &batchLoader{
		target:  target,
		table:   table,
		insert:  insert,
		opts:    opts,
		metrics: metrics,
		buf:     make([]Row, 0, opts.Size),
	}
}

// Add buffers row (rowNum is its scan position) and flushes when a bound is
// reached. A row that would push the buffer past MaxBytes starts a new batch;
// a single oversized row still goes out alone.
func (l *batchLoader) Add(ctx context.Context, rowNum int64, row Row) error {
	size := rowSize(row)
	if len(l.buf) > 0 && l.opts.MaxBytes > 0 && l.bufBytes+size > l.opts.MaxBytes {
		if err := l.Flush(ctx); err != nil {
			return err
		}
	}

	if len(l.buf) == 0 {
		l.firstRow = rowNum
	}
	l.lastRow = rowNum
	l.buf = append(l.buf, row)
	l.bufBytes += size

	if len(l.buf) >= l.opts.Size {
		return l.Flush(ctx)
	}
	return nil
}

// Flush submits the buffered rows as one batch. Cancellation is honored
// before submission and between retries; a submission already under way runs
// to completion (bounded by Timeout) so a batch is never abandoned halfway.
func (l *batchLoader) Flush(ctx context.Context) error {
	if len(l.buf) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("write %s rows %d-%d: %w", l.table, l.firstRow, l.lastRow, err)
	}

	attempts := 0
	submit := func() error {
		attempts++
		sctx := context.WithoutCancel(ctx)
		if l.opts.Timeout > 0 {
			var cancel context.CancelFunc
			sctx, cancel = context.WithTimeout(sctx, l.opts.Timeout)
			defer cancel()
		}
		return l.target.ExecBatch(sctx, l.insert, l.buf)
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = l.opts.Backoff
	expo.MaxElapsedTime = 0
	expo.Reset()
	policy := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(l.opts.Retries)), ctx)

	err := backoff.RetryNotify(submit, policy, func(err error, wait time.Duration) {
		log.WithFields(log.Fields{
			"table": l.table,
			"rows":  fmt.Sprintf("%d-%d", l.firstRow, l.lastRow),
			"retry": attempts,
		}).WithError(err).Warnf("batch failed, retrying in %s", wait)
		if l.metrics != nil {
			l.metrics.batchRetries.WithLabelValues(l.table).Inc()
		}
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			if ctx.Err() != nil {
				return fmt.Errorf("write %s rows %d-%d: %w", l.table, l.firstRow, l.lastRow, ctx.Err())
			}
		}
		return &BatchWriteError{Table: l.table, FirstRow: l.firstRow, LastRow: l.lastRow, Attempts: attempts, Err: err}
	}

	n := len(l.buf)
	l.batches++
	l.rowsWritten += int64(n)
	if l.metrics != nil {
		l.metrics.batches.WithLabelValues(l.table).Inc()
		l.metrics.rowsWritten.WithLabelValues(l.table).Add(float64(n))
	}
	log.WithFields(log.Fields{"table": l.table, "batch": l.batches, "rows": n}).Debug("batch committed")

	l.buf = l.buf[:0]
	l.bufBytes = 0
	return nil
}

func rowSize(row Row) int {
	n := 0
	for _, v := range row {
		n += approxValueSize(v)
	}
	return n
}
