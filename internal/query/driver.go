package query

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/verifiabledb/v2fs/internal/cache"
	"github.com/verifiabledb/v2fs/internal/logger"
	"github.com/verifiabledb/v2fs/internal/mht"
	"github.com/verifiabledb/v2fs/internal/remote"
	"github.com/verifiabledb/v2fs/internal/vfs"
)

// Engine executes one SQL statement; its page reads flow through the
// virtual file backend. The engine is opaque to the driver.
type Engine interface {
	Execute(ctx context.Context, sql string) error
}

// Driver runs a workload through an engine over a verifiable backend.
type Driver struct {
	backend *vfs.Backend
	engine  Engine
	opts    Options
	runID   string
}

// NewDriver validates the options and assembles a driver.
func NewDriver(backend *vfs.Backend, engine Engine, opts Options) (*Driver, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Driver{
		backend: backend,
		engine:  engine,
		opts:    opts,
		runID:   uuid.NewString(),
	}, nil
}

// RunID identifies this workload run.
func (d *Driver) RunID() string { return d.runID }

// Run executes the workload and returns one Result per statement. The
// returned error is non-nil when the run stopped early: strict-mode
// tampering, a resource shortfall, or a failed version refresh. Results
// collected so far are returned either way.
func (d *Driver) Run(ctx context.Context) ([]Result, error) {
	stmts, err := ParseWorkload(d.opts.WorkloadPath)
	if err != nil {
		return nil, err
	}
	if len(stmts) == 0 {
		return nil, fmt.Errorf("%w: workload %s has no statements", ErrConfig, d.opts.WorkloadPath)
	}
	logger.Run(d.runID).Info().Int("statements", len(stmts)).Msg("workload start")

	var results []Result
	for i, stmt := range stmts {
		// Between queries the driver may advance the trust anchor; at
		// level 3 the root and the VBF delta swap in together.
		if i > 0 && d.opts.OptLevel >= 2 {
			if err := d.backend.RefreshVersion(ctx); err != nil {
				return results, fmt.Errorf("refresh version before %s: %w", stmt.ID, err)
			}
		}
		res := d.runOne(ctx, stmt)
		results = append(results, res)
		if res.State == StateTampered && d.opts.Strict {
			return results, fmt.Errorf("query %s: %s", stmt.ID, res.Error)
		}
		// Resource shortfalls abort the run regardless of strictness.
		if errors.Is(res.err, cache.ErrResource) {
			return results, fmt.Errorf("query %s: %s (raise -c)", stmt.ID, res.Error)
		}
	}
	return results, nil
}

// runOne executes a single statement through the state machine
// Idle → Running → (Completed | Tampered | TransportFailed).
func (d *Driver) runOne(ctx context.Context, stmt Statement) Result {
	res := Result{SQLID: stmt.ID, State: StateRunning}
	d.backend.BeginQuery(ctx)
	defer d.backend.EndQuery()

	start := time.Now()
	err := d.engine.Execute(ctx, stmt.SQL)
	// The engine may have flattened a verification failure into its own
	// error code; the backend's record wins for classification.
	if berr := d.backend.QueryErr(); berr != nil {
		err = berr
	}
	counters := d.backend.Counters()

	res.PagesFetched = counters.PagesFetched
	res.ProofBytes = counters.ProofBytes
	res.ElapsedUS = uint64(time.Since(start).Microseconds())

	res.err = err
	switch {
	case err == nil:
		res.Verified = true
		res.State = StateCompleted
	case errors.Is(err, mht.ErrTamper), errors.Is(err, mht.ErrProtocol):
		// Protocol violations are treated as tampering. Caches were not
		// mutated on the failing path.
		res.State = StateTampered
		res.Error = err.Error()
	case errors.Is(err, remote.ErrTransport):
		res.State = StateTransportFailed
		res.Error = err.Error()
	default:
		res.State = StateTransportFailed
		res.Error = err.Error()
	}

	logger.Query(d.runID, res.SQLID).Info().
		Bool("verified", res.Verified).
		Int("pages_fetched", res.PagesFetched).
		Int("proof_bytes", res.ProofBytes).
		Uint64("elapsed_us", res.ElapsedUS).
		Str("state", res.State.String()).
		Msg("query finished")
	return res
}

// Tampered reports whether any result failed verification.
func Tampered(results []Result) bool {
	for _, r := range results {
		if r.State == StateTampered {
			return true
		}
	}
	return false
}
