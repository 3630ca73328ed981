package archive

import (
	"context"
	"fmt"
	"slices"

	"github.com/shivavenkatesh/medarchive/pkg/types"
)

// Lifecycle phases, in order
const (
	PhaseDefine     = "define"
	PhaseConstruct  = "construct"
	PhaseManipulate = "manipulate"
)

var phaseOrder = []string{PhaseDefine, PhaseConstruct, PhaseManipulate}

func (a *Archive) loadPhases(ctx context.Context) error {
	done, err := a.store.Phases(ctx)
	if err != nil {
		return err
	}
	a.pmu.Lock()
	defer a.pmu.Unlock()
	clear(a.phases)
	for _, p := range done {
		a.phases[p] = true
	}
	return nil
}

func (a *Archive) completed(phase string) bool {
	a.pmu.Lock()
	defer a.pmu.Unlock()
	return a.phases[phase]
}

func (a *Archive) completedPhases() []string {
	a.pmu.Lock()
	defer a.pmu.Unlock()
	out := []string{}
	for _, p := range phaseOrder {
		if a.phases[p] {
			out = append(out, p)
		}
	}
	return out
}

// require fails with PhaseOrder unless the phase before phase completed
func (a *Archive) require(phase string) error {
	i := slices.Index(phaseOrder, phase)
	if i <= 0 {
		return nil
	}
	prev := phaseOrder[i-1]
	if !a.completed(prev) {
		return fmt.Errorf("%w: %s requires %s to have completed", types.ErrPhaseOrder, phase, prev)
	}
	return nil
}

func (a *Archive) mark(ctx context.Context, phase string) error {
	if a.completed(phase) {
		return nil
	}
	if err := a.store.MarkPhase(ctx, phase); err != nil {
		return err
	}
	a.pmu.Lock()
	a.phases[phase] = true
	a.pmu.Unlock()
	a.log.Info("phase completed", "phase", phase)
	return nil
}

// Phases returns the completed phases in lifecycle order
func (a *Archive) Phases() []string {
	return a.completedPhases()
}

// Define creates or verifies the schema and indexes. It is idempotent; an
// incompatible existing index fails with SchemaConflict and the phase is
// not marked.
func (a *Archive) Define(ctx context.Context) ([]types.IndexInfo, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if err := a.index.EnsureIndexes(ctx); err != nil {
		return nil, err
	}
	if err := a.mark(ctx, PhaseDefine); err != nil {
		return nil, err
	}
	return a.index.Definitions(), nil
}

// Ingest runs one request through the ingestion pipeline. Construct counts
// as completed once the archive holds at least one record.
func (a *Archive) Ingest(ctx context.Context, req types.IngestRequest) (types.IngestResult, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if err := a.require(PhaseConstruct); err != nil {
		return types.IngestResult{ScanID: req.ScanID, State: types.StateFailed, Reason: types.Reason(err), Err: err}, err
	}
	res := a.pipeline.Ingest(ctx, req)
	if res.State == types.StateDone {
		if err := a.mark(ctx, PhaseConstruct); err != nil {
			return res, err
		}
	}
	return res, res.Err
}

// IngestBatch ingests reqs with bounded concurrency. The returned error is
// non-nil only when the batch could not run; per-record failures are in
// the summary.
func (a *Archive) IngestBatch(ctx context.Context, reqs []types.IngestRequest) (types.BatchSummary, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if err := a.require(PhaseConstruct); err != nil {
		return types.BatchSummary{}, err
	}
	summary := a.pipeline.Bulk(ctx, reqs)
	if summary.Done+summary.Skipped > 0 {
		if err := a.mark(ctx, PhaseConstruct); err != nil {
			return summary, err
		}
	}
	return summary, nil
}

// ScanID returns the id a request would be stored under
func (a *Archive) ScanID(req types.IngestRequest) string {
	return a.pipeline.ScanID(req)
}

func (a *Archive) enterManipulate(ctx context.Context) error {
	if err := a.require(PhaseManipulate); err != nil {
		return err
	}
	return a.mark(ctx, PhaseManipulate)
}

// Get returns one scan with its image
func (a *Archive) Get(ctx context.Context, scanID string) (*types.Scan, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if err := a.enterManipulate(ctx); err != nil {
		return nil, err
	}
	return a.engine.ByID(ctx, scanID)
}

// Find returns the scans of a patient matching pred
func (a *Archive) Find(ctx context.Context, patientID string, pred types.Predicate) ([]*types.Scan, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if err := a.enterManipulate(ctx); err != nil {
		return nil, err
	}
	return a.engine.Find(ctx, patientID, pred)
}

// ByPatient returns every scan of a patient
func (a *Archive) ByPatient(ctx context.Context, patientID string) ([]*types.Scan, error) {
	return a.Find(ctx, patientID, nil)
}

// SimilarTo returns up to k scans nearest to scanID, excluding it
func (a *Archive) SimilarTo(ctx context.Context, scanID string, k int, pre types.Predicate) ([]types.SimilarScan, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if err := a.enterManipulate(ctx); err != nil {
		return nil, err
	}
	return a.engine.SimilarToFiltered(ctx, scanID, k, pre)
}

// Reset drops every record, blob, index definition and phase marker,
// returning the archive to its pre-Define state. It requires confirm.
func (a *Archive) Reset(ctx context.Context, confirm bool) error {
	if !confirm {
		return fmt.Errorf("%w: reset deletes every scan and image", types.ErrConfirmationRequired)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.store.Drop(ctx); err != nil {
		return err
	}
	if err := a.vault.Drop(ctx); err != nil {
		return err
	}
	sim := a.index.Similarity()
	if err := sim.Reset(ctx); err != nil {
		return err
	}
	if err := sim.Sync(ctx); err != nil {
		return err
	}
	if err := a.loadPhases(ctx); err != nil {
		return err
	}
	a.log.Warn("archive reset")
	return nil
}
