// Package retrieve implements the Retrieval Orchestrator (spec §4.F):
// hierarchy probing, pre/post reconciliation against the PHI Index
// Store, and bounded-concurrency C-MOVE issuance with one automatic
// step-down and cooperative abort. Adapted from the teacher's
// internal/progress worker-loop shape, with the bounded fan-out taken
// from the errgroup.SetLimit pattern used for finite request lists
// elsewhere in the pack, rather than internal/ingest's long-running
// pool.
package retrieve

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/suyashkumar/dicom/pkg/tag"
	"golang.org/x/sync/errgroup"

	"github.com/rsna-anonymizer/dicomcore/internal/dicomwire"
	"github.com/rsna-anonymizer/dicomcore/internal/hierarchy"
	"github.com/rsna-anonymizer/dicomcore/internal/logging"
	"github.com/rsna-anonymizer/dicomcore/internal/phi"
)

// DIMSE C-MOVE response sub-operation counters live in the command set
// (group 0000), not the data-set identifier; the dicomwire.Status
// contract folds both into one Identifier view for simplicity, so
// these are read the same way as any other attribute.
const (
	groupDIMSE                 = 0x0000
	elemRemainingSuboperations = 0x1020
	elemCompletedSuboperations = 0x1021
	elemFailedSuboperations    = 0x1022
	elemWarningSuboperations   = 0x1023
)

// Tuning mirrors config.RetrievalTuning, reproduced locally per the
// convention set in internal/ingest so this package stays usable from
// tests without importing the config schema.
type Tuning struct {
	StudyMoveWorkers int
	GracePeriod      time.Duration
	PollInterval     time.Duration
}

// Orchestrator drives move_studies against a wire collaborator and
// reconciles progress against the local PHI Index Store.
type Orchestrator struct {
	Codec  dicomwire.Codec
	Model  *phi.Store
	Tuning Tuning

	log zerolog.Logger

	mu       sync.Mutex
	aborting bool
	inFlight map[string]dicomwire.Association
}

// New constructs an Orchestrator. Zero-value Tuning fields fall back
// to the spec defaults (pool 2, 5s grace).
func New(codec dicomwire.Codec, model *phi.Store, tuning Tuning) *Orchestrator {
	if tuning.StudyMoveWorkers <= 0 {
		tuning.StudyMoveWorkers = 2
	}
	if tuning.GracePeriod <= 0 {
		tuning.GracePeriod = 5 * time.Second
	}
	if tuning.PollInterval <= 0 {
		tuning.PollInterval = 200 * time.Millisecond
	}
	return &Orchestrator{
		Codec:    codec,
		Model:    model,
		Tuning:   tuning,
		log:      logging.For("retrieve"),
		inFlight: map[string]dicomwire.Association{},
	}
}

// AbortMove sets the cooperative abort flag and A-ABORTs every
// in-flight association (spec §4.F cancellation). It returns once the
// abort signals have been sent; move_studies itself returns only once
// every active association has actually closed.
func (o *Orchestrator) AbortMove() {
	o.mu.Lock()
	o.aborting = true
	assocs := make([]dicomwire.Association, 0, len(o.inFlight))
	for _, a := range o.inFlight {
		assocs = append(assocs, a)
	}
	o.mu.Unlock()

	for _, a := range assocs {
		_ = a.Abort()
	}
}

func (o *Orchestrator) isAborting() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.aborting
}

func (o *Orchestrator) track(studyUID string, assoc dicomwire.Association) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.aborting {
		return false
	}
	o.inFlight[studyUID] = assoc
	return true
}

func (o *Orchestrator) untrack(studyUID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inFlight, studyUID)
}

// MoveStudies runs move_studies: studies within req are moved
// concurrently with a fixed pool, one association per study at a
// time. It returns a per-study outcome and never a top-level error;
// per-study failures are recorded on their own outcome so one bad
// study cannot starve the rest of the request.
func (o *Orchestrator) MoveStudies(ctx context.Context, req MoveRequest) []StudyOutcome {
	o.mu.Lock()
	o.aborting = false
	o.mu.Unlock()

	outcomes := make([]StudyOutcome, len(req.Studies))
	var g errgroup.Group
	g.SetLimit(o.Tuning.StudyMoveWorkers)

	for i, st := range req.Studies {
		i, st := i, st
		g.Go(func() error {
			outcomes[i] = o.moveOneStudy(ctx, req, st)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (o *Orchestrator) moveOneStudy(ctx context.Context, req MoveRequest, st StudyRequest) StudyOutcome {
	outcome := StudyOutcome{StudyUID: st.StudyUID}

	if o.isAborting() {
		outcome.Aborted = true
		return outcome
	}

	assoc, err := o.Codec.OpenAssociation(ctx, req.TargetSCP, studyRootContexts())
	if err != nil {
		outcome.LastErrorMsg = err.Error()
		return outcome
	}
	if !o.track(st.StudyUID, assoc) {
		_ = assoc.Close()
		outcome.Aborted = true
		return outcome
	}
	defer func() {
		o.untrack(st.StudyUID)
		_ = assoc.Close()
	}()

	h := hierarchy.NewStudyUIDHierarchy(st.StudyUID, st.PHIPatientID)

	if err := o.hierarchyProbe(ctx, assoc, req.Level, h); err != nil {
		h.MarkError(err.Error())
		outcome.LastErrorMsg = h.LastErrorMsg
		return outcome
	}
	if len(h.Series) == 0 {
		h.MarkError("peer returned zero matches")
		o.log.Warn().Str("study", st.StudyUID).Msg("hierarchy probe returned zero matches")
		outcome.LastErrorMsg = h.LastErrorMsg
		return outcome
	}

	level := req.Level
	stepsLeft := 1
	for {
		if o.isAborting() {
			outcome.Aborted = true
			return outcome
		}

		targetTotal := o.preReconcile(h)
		o.issueMove(ctx, assoc, req.DestAE, level, h)
		pending := o.waitForDrain(ctx, st, targetTotal)
		outcome.Pending = pending
		outcome.LastErrorMsg = h.LastErrorMsg

		if pending == 0 || stepsLeft == 0 {
			return outcome
		}

		next, ok := level.stepDown()
		if !ok {
			return outcome
		}
		if next == LevelInstance {
			if err := o.ensureInstanceLevel(ctx, assoc, h); err != nil {
				h.MarkError(err.Error())
				outcome.LastErrorMsg = h.LastErrorMsg
				return outcome
			}
		}
		level = next
		stepsLeft--
	}
}

// hierarchyProbe issues the series-level C-FIND and, if level is
// INSTANCE, the instance-level C-FIND (spec §4.F step 1).
func (o *Orchestrator) hierarchyProbe(ctx context.Context, assoc dicomwire.Association, level Level, h *hierarchy.StudyUIDHierarchy) error {
	ident, err := seriesFindIdentifier(h.StudyUID)
	if err != nil {
		return err
	}
	stream, err := assoc.SendCFind(ctx, ident)
	if err != nil {
		return err
	}
	for {
		status, ok, err := stream.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if status.Identifier == nil {
			continue
		}
		seriesUID := status.Identifier.GetString(uint16(tag.SeriesInstanceUID.Group), uint16(tag.SeriesInstanceUID.Element))
		if seriesUID == "" {
			continue
		}
		s := h.AddSeries(seriesUID)
		s.TargetInstanceCount = status.Identifier.GetInt(uint16(tag.NumberOfSeriesRelatedInstances.Group), uint16(tag.NumberOfSeriesRelatedInstances.Element))
	}

	if level == LevelInstance {
		return o.ensureInstanceLevel(ctx, assoc, h)
	}
	return nil
}

// ensureInstanceLevel probes instance-level C-FIND for every series
// that has not yet had its instances enumerated; used both for an
// original INSTANCE-level request and for an automatic step-down.
func (o *Orchestrator) ensureInstanceLevel(ctx context.Context, assoc dicomwire.Association, h *hierarchy.StudyUIDHierarchy) error {
	for _, s := range h.Series {
		if len(s.Instances) > 0 {
			continue
		}
		ident, err := instanceFindIdentifier(h.StudyUID, s.SeriesUID)
		if err != nil {
			return err
		}
		stream, err := assoc.SendCFind(ctx, ident)
		if err != nil {
			return err
		}
		for {
			status, ok, err := stream.Next(ctx)
			if err != nil {
				return err
			}
			if !ok {
				break
			}
			if status.Identifier == nil {
				continue
			}
			sop := status.Identifier.GetString(uint16(tag.SOPInstanceUID.Group), uint16(tag.SOPInstanceUID.Element))
			if sop == "" {
				continue
			}
			s.AddInstance(sop)
		}
	}
	return nil
}

// preReconcile prunes already-stored instances from the pending set
// (spec §4.F step 2) and returns the study's total target instance
// count as currently known.
func (o *Orchestrator) preReconcile(h *hierarchy.StudyUIDHierarchy) int {
	targetTotal := 0
	for _, s := range h.Series {
		if len(s.Instances) > 0 {
			for _, inst := range s.Instances {
				targetTotal++
				if o.Model.InstanceStored(inst.SOPInstanceUID) {
					inst.Stored = true
				}
			}
			continue
		}
		targetTotal += s.TargetInstanceCount
	}
	pending := o.Model.GetPendingInstanceCount(h.PatientID, h.StudyUID, targetTotal)
	h.Counters.Remaining = pending
	h.PendingInstances = pending
	return targetTotal
}

// issueMove sends one C-MOVE per study, series, or instance depending
// on level (spec §4.F step 3), skipping anything pre-reconciliation
// already marked stored.
func (o *Orchestrator) issueMove(ctx context.Context, assoc dicomwire.Association, destAE string, level Level, h *hierarchy.StudyUIDHierarchy) {
	switch level {
	case LevelStudy:
		o.sendMove(ctx, assoc, destAE, level, h, "", "")
	case LevelSeries:
		for _, s := range h.Series {
			if o.isAborting() {
				return
			}
			o.sendMove(ctx, assoc, destAE, level, h, s.SeriesUID, "")
		}
	default:
		for _, s := range h.Series {
			for _, inst := range s.Instances {
				if inst.Stored {
					continue
				}
				if o.isAborting() {
					return
				}
				o.sendMove(ctx, assoc, destAE, level, h, s.SeriesUID, inst.SOPInstanceUID)
			}
		}
	}
}

func (o *Orchestrator) sendMove(ctx context.Context, assoc dicomwire.Association, destAE string, level Level, h *hierarchy.StudyUIDHierarchy, seriesUID, sopInstanceUID string) {
	ident, err := moveIdentifier(level, h.StudyUID, seriesUID, sopInstanceUID)
	if err != nil {
		h.MarkError(err.Error())
		return
	}
	stream, err := assoc.SendCMove(ctx, ident, destAE)
	if err != nil {
		h.MarkError(err.Error())
		return
	}
	for {
		status, ok, err := stream.Next(ctx)
		if err != nil {
			h.MarkError(err.Error())
			return
		}
		if !ok {
			return
		}
		h.UpdateMoveStates(readCounters(status.Identifier))
	}
}

func readCounters(identifier dicomwire.Dataset) hierarchy.Counters {
	if identifier == nil {
		return hierarchy.Counters{}
	}
	return hierarchy.Counters{
		Completed: identifier.GetInt(groupDIMSE, elemCompletedSuboperations),
		Failed:    identifier.GetInt(groupDIMSE, elemFailedSuboperations),
		Remaining: identifier.GetInt(groupDIMSE, elemRemainingSuboperations),
		Warning:   identifier.GetInt(groupDIMSE, elemWarningSuboperations),
	}
}

// waitForDrain is post-reconciliation (spec §4.F step 4): poll the PHI
// Index Store's own pending count until it reaches zero, the abort
// flag is set, or the grace period elapses.
func (o *Orchestrator) waitForDrain(ctx context.Context, st StudyRequest, targetTotal int) int {
	deadline := time.Now().Add(o.Tuning.GracePeriod)
	for {
		pending := o.Model.GetPendingInstanceCount(st.PHIPatientID, st.StudyUID, targetTotal)
		if pending == 0 {
			return 0
		}
		if o.isAborting() {
			return pending
		}
		if time.Now().After(deadline) {
			o.log.Debug().Str("study", st.StudyUID).Int("pending", pending).Msg("post-reconciliation grace period elapsed")
			return pending
		}
		select {
		case <-ctx.Done():
			return pending
		case <-time.After(o.Tuning.PollInterval):
		}
	}
}

// studyRootContexts negotiates Study-Root Q/R Find and Move on every
// association this orchestrator opens (spec §6).
func studyRootContexts() []dicomwire.PresentationContext {
	return []dicomwire.PresentationContext{
		{AbstractSyntaxUID: dicomwire.StudyRootFindSOPClass},
		{AbstractSyntaxUID: dicomwire.StudyRootMoveSOPClass},
	}
}
