// Package lifecycle moves canonical records through their states. Every
// transition is a compare-and-set on the persisted state and leaves a
// transition decision in the audit log.
package lifecycle

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/radar-cli/internal/model"
	"github.com/sells-group/radar-cli/internal/store"
)

var (
	// ErrIllegalTransition is returned when a record is not in a state the
	// requested operation starts from.
	ErrIllegalTransition = eris.New("lifecycle: illegal transition")
	// ErrOverrideRejected is returned when a non-forced override is not a
	// legal, threshold-satisfying transition.
	ErrOverrideRejected = eris.New("lifecycle: override rejected")
)

// Store is the persistence the state machine needs.
type Store interface {
	GetRecord(ctx context.Context, id string) (*model.Record, error)
	ListRecords(ctx context.Context, filter store.RecordFilter) ([]model.Record, error)
	TransitionState(ctx context.Context, id string, from, to model.State) error
	AppendDecisions(ctx context.Context, ds ...model.Decision) error
}

// Thresholds gate automatic transitions.
type Thresholds struct {
	Classification float64
	Verification   float64
	Event          float64
	Staleness      time.Duration
}

// DefaultThresholds returns the production gates.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Classification: 0.80,
		Verification:   0.85,
		Event:          0.70,
		Staleness:      90 * 24 * time.Hour,
	}
}

// edges lists the automatic transitions. VERIFIED and RETIRED locations and
// rejected events only move by forced override. A published event can only
// be withdrawn to rejected.
var edges = map[model.State][]model.State{
	model.StateCandidate:           {model.StatePendingVerification},
	model.StatePendingVerification: {model.StateVerified, model.StateRetired},
	model.EventStateCandidate:      {model.EventStateVerified, model.EventStateRejected},
	model.EventStateVerified:       {model.EventStatePublished, model.EventStateRejected},
	model.EventStatePublished:      {model.EventStateRejected},
}

var kindStates = map[model.Kind][]model.State{
	model.KindLocation: {model.StateCandidate, model.StatePendingVerification, model.StateVerified, model.StateRetired},
	model.KindEvent:    {model.EventStateCandidate, model.EventStateVerified, model.EventStatePublished, model.EventStateRejected},
}

// Legal reports whether from -> to is an automatic transition for kind.
func Legal(kind model.Kind, from, to model.State) bool {
	return ValidState(kind, from) && ValidState(kind, to) && slices.Contains(edges[from], to)
}

// ValidState reports whether s belongs to kind's state set.
func ValidState(kind model.Kind, s model.State) bool {
	return slices.Contains(kindStates[kind], s)
}

// Machine applies lifecycle rules.
type Machine struct {
	store Store
	th    Thresholds
	now   func() time.Time
}

// NewMachine creates a Machine.
func NewMachine(st Store, th Thresholds) *Machine {
	return &Machine{store: st, th: th, now: time.Now}
}

// Thresholds returns the configured gates.
func (m *Machine) Thresholds() Thresholds { return m.th }

type transitionInput struct {
	From       model.State `json:"from"`
	To         model.State `json:"to"`
	Reason     string      `json:"reason"`
	Confidence *float64    `json:"confidence,omitempty"`
	Force      bool        `json:"force,omitempty"`
}

// move performs the compare-and-set and logs it. On success r.State is
// updated in place.
func (m *Machine) move(ctx context.Context, r *model.Record, to model.State, action model.ActionType, reason string, force bool) error {
	in := transitionInput{From: r.State, To: to, Reason: reason, Confidence: r.Confidence, Force: force}
	err := m.store.TransitionState(ctx, r.ID, r.State, to)

	d := model.Decision{
		SubjectID:     r.ID,
		ActionType:    action,
		InputSnapshot: model.Snapshot(in),
		IsSuccess:     err == nil,
	}
	if err != nil {
		d.ErrorMessage = err.Error()
	} else {
		d.ValidatedOutput = model.Snapshot(map[string]model.State{"state": to})
	}
	if logErr := m.store.AppendDecisions(ctx, d); logErr != nil {
		zap.L().Error("lifecycle: append decision failed", zap.String("record_id", r.ID), zap.Error(logErr))
	}
	if err != nil {
		return eris.Wrapf(err, "lifecycle: %s %s -> %s", r.ID, r.State, to)
	}

	zap.L().Debug("state transition",
		zap.String("component", "lifecycle"),
		zap.String("record_id", r.ID),
		zap.String("from", string(in.From)),
		zap.String("to", string(to)),
		zap.String("reason", reason),
	)
	r.State = to
	return nil
}

func requireState(r *model.Record, want ...model.State) error {
	if !slices.Contains(want, r.State) {
		return eris.Wrapf(ErrIllegalTransition, "lifecycle: record %s is %s", r.ID, r.State)
	}
	return nil
}

func (m *Machine) passes(conf *float64, threshold float64) bool {
	return conf != nil && *conf >= threshold
}

// ApplyClassification promotes a CANDIDATE location to PENDING_VERIFICATION
// when the verdict is keep with confidence at or above the classification
// threshold. Otherwise the record stays where it is. Reports whether the
// record was promoted.
func (m *Machine) ApplyClassification(ctx context.Context, r *model.Record, v model.LocationVerdict) (bool, error) {
	if err := requireState(r, model.StateCandidate); err != nil {
		return false, err
	}
	if v.Action != model.ActionKeep || v.Confidence < m.th.Classification {
		return false, nil
	}
	conf := v.Confidence
	r.Confidence = &conf
	if err := m.move(ctx, r, model.StatePendingVerification, model.ActionTransition, "classified keep", false); err != nil {
		return false, err
	}
	return true, nil
}

// Verify applies the second, independent pass to a pending location: keep
// at or above the verification threshold verifies it, anything else
// retires it.
func (m *Machine) Verify(ctx context.Context, r *model.Record, v model.LocationVerdict) (model.State, error) {
	if err := requireState(r, model.StatePendingVerification); err != nil {
		return r.State, err
	}
	conf := v.Confidence
	r.Confidence = &conf
	to, reason := model.StateRetired, "verification failed"
	if v.Action == model.ActionKeep && conf >= m.th.Verification {
		to, reason = model.StateVerified, "verification passed"
	}
	if err := m.move(ctx, r, to, model.ActionTransition, reason, false); err != nil {
		return r.State, err
	}
	return to, nil
}

// Approve verifies a pending location by hand.
func (m *Machine) Approve(ctx context.Context, r *model.Record, actor string) error {
	if err := requireState(r, model.StatePendingVerification); err != nil {
		return err
	}
	return m.move(ctx, r, model.StateVerified, model.ActionTransition, "manual approval by "+actorOrDefault(actor), false)
}

// Retire retires a pending location.
func (m *Machine) Retire(ctx context.Context, r *model.Record, reason string) error {
	if err := requireState(r, model.StatePendingVerification); err != nil {
		return err
	}
	return m.move(ctx, r, model.StateRetired, model.ActionTransition, reason, false)
}

// IsStale reports whether r has not been seen within the staleness window.
func (m *Machine) IsStale(r *model.Record) bool {
	return m.th.Staleness > 0 && m.now().Sub(r.LastSeenAt) > m.th.Staleness
}

// CheckStaleness retires a stale pending location. A stale verified
// location only gets a stale_flag decision. Reports whether r was stale.
func (m *Machine) CheckStaleness(ctx context.Context, r *model.Record) (bool, error) {
	if !m.IsStale(r) {
		return false, nil
	}
	switch r.State {
	case model.StatePendingVerification:
		return true, m.move(ctx, r, model.StateRetired, model.ActionTransition, "stale: not seen since "+r.LastSeenAt.Format(time.DateOnly), false)
	case model.StateVerified:
		err := m.store.AppendDecisions(ctx, model.Decision{
			SubjectID:  r.ID,
			ActionType: model.ActionStaleFlag,
			InputSnapshot: model.Snapshot(map[string]any{
				"last_seen_at": r.LastSeenAt,
				"window_days":  int(m.th.Staleness.Hours() / 24),
			}),
			IsSuccess: true,
		})
		return true, eris.Wrapf(err, "lifecycle: flag stale %s", r.ID)
	}
	return true, nil
}

// ApplyEnrichment verifies a candidate event whose enrichment confidence
// meets the event threshold. Reports whether it was verified.
func (m *Machine) ApplyEnrichment(ctx context.Context, r *model.Record, e model.EventEnrichment) (bool, error) {
	if err := requireState(r, model.EventStateCandidate); err != nil {
		return false, err
	}
	if e.Confidence < m.th.Event {
		return false, nil
	}
	conf := e.Confidence
	r.Confidence = &conf
	if err := m.move(ctx, r, model.EventStateVerified, model.ActionTransition, "enriched", false); err != nil {
		return false, err
	}
	return true, nil
}

// publishBlocker says why r may not be published, or "" if it may.
func (m *Machine) publishBlocker(r *model.Record) string {
	switch {
	case r.State != model.EventStateVerified:
		return "not verified"
	case r.IsDuplicate():
		return "duplicate"
	case m.ended(r):
		return "already ended"
	}
	return ""
}

func (m *Machine) ended(r *model.Record) bool {
	end := r.EndsAt
	if end == nil {
		end = r.StartsAt
	}
	return end != nil && end.Before(m.now())
}

// Publish moves a verified, non-duplicate event that has not ended to
// published.
func (m *Machine) Publish(ctx context.Context, r *model.Record) error {
	if reason := m.publishBlocker(r); reason != "" {
		return eris.Wrapf(ErrIllegalTransition, "lifecycle: cannot publish %s: %s", r.ID, reason)
	}
	return m.move(ctx, r, model.EventStatePublished, model.ActionTransition, "published", false)
}

// Reject moves a candidate or verified event to the absorbing rejected
// state.
func (m *Machine) Reject(ctx context.Context, r *model.Record, reason string) error {
	if err := requireState(r, model.EventStateCandidate, model.EventStateVerified); err != nil {
		return err
	}
	return m.move(ctx, r, model.EventStateRejected, model.ActionTransition, reason, false)
}

// Withdraw takes a published event out of publication by rejecting it.
func (m *Machine) Withdraw(ctx context.Context, r *model.Record, reason string) error {
	if err := requireState(r, model.EventStatePublished); err != nil {
		return err
	}
	return m.move(ctx, r, model.EventStateRejected, model.ActionTransition, "withdrawn: "+reason, false)
}

// Override sets a record's state by hand. Without force the move must be
// legal and satisfy the thresholds the automatic path would have applied.
func (m *Machine) Override(ctx context.Context, id string, target model.State, force bool, reason string) (*model.Record, error) {
	r, err := m.store.GetRecord(ctx, id)
	if err != nil {
		return nil, eris.Wrapf(err, "lifecycle: override %s", id)
	}

	if why := m.overrideBlocker(r, target, force); why != "" {
		in := transitionInput{From: r.State, To: target, Reason: reason, Confidence: r.Confidence, Force: force}
		rejected := eris.Wrapf(ErrOverrideRejected, "lifecycle: %s -> %s: %s", r.State, target, why)
		if logErr := m.store.AppendDecisions(ctx, model.Decision{
			SubjectID:     r.ID,
			ActionType:    model.ActionOverride,
			InputSnapshot: model.Snapshot(in),
			ErrorMessage:  rejected.Error(),
		}); logErr != nil {
			zap.L().Error("lifecycle: append decision failed", zap.String("record_id", r.ID), zap.Error(logErr))
		}
		return r, rejected
	}

	if err := m.move(ctx, r, target, model.ActionOverride, reason, force); err != nil {
		return r, err
	}
	return r, nil
}

func (m *Machine) overrideBlocker(r *model.Record, target model.State, force bool) string {
	if !ValidState(r.Kind, target) {
		return "not a " + string(r.Kind) + " state"
	}
	if r.State == target {
		return "already in that state"
	}
	if force {
		return ""
	}
	if !Legal(r.Kind, r.State, target) {
		return "not a legal transition without force"
	}
	switch target {
	case model.StatePendingVerification:
		if !m.passes(r.Confidence, m.th.Classification) {
			return "confidence below classification threshold"
		}
	case model.StateVerified:
		if !m.passes(r.Confidence, m.th.Verification) {
			return "confidence below verification threshold"
		}
	case model.EventStateVerified:
		if !m.passes(r.Confidence, m.th.Event) {
			return "confidence below event threshold"
		}
	case model.EventStatePublished:
		return m.publishBlocker(r)
	}
	return ""
}

func actorOrDefault(actor string) string {
	if actor == "" {
		return "operator"
	}
	return actor
}

// IsStateConflict reports whether err is a lost compare-and-set race.
func IsStateConflict(err error) bool {
	return errors.Is(err, store.ErrStateConflict)
}
