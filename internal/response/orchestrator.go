package response

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dbsentinel/dbsentinel/internal/audit"
	"github.com/dbsentinel/dbsentinel/internal/detect"
	"github.com/dbsentinel/dbsentinel/internal/pipeline"
)

// ActionType names one response sub-action.
type ActionType string

// Sub-action types.
const (
	ActionIsolate  ActionType = "isolate"
	ActionRotate   ActionType = "rotate_credentials"
	ActionSwitch   ActionType = "switch_backup"
	ActionRollback ActionType = "rollback"
)

// ErrAlreadyRolledBack marks a second rollback of the same action. The
// first rollback already restored the prior state, so the repeat is an
// error but changes nothing.
var ErrAlreadyRolledBack = errors.New("already_rolled_back")

// Action records one executed, failed, or deferred response step.
// StartedAt is stamped when execution begins; actions rejected by
// validation never start, and deferred actions start when the rate
// limiter admits them.
type Action struct {
	ActionID      string                 `json:"action_id"`
	DetectionID   string                 `json:"detection_id"`
	Type          ActionType             `json:"action_type"`
	Target        string                 `json:"target"`
	Parameters    map[string]interface{} `json:"parameters,omitempty"`
	StartedAt     time.Time              `json:"started_at,omitempty"`
	CompletedAt   *time.Time             `json:"completed_at,omitempty"`
	Success       bool                   `json:"success"`
	RollbackToken string                 `json:"rollback_token,omitempty"`
	ErrorMessage  string                 `json:"error_message,omitempty"`
}

// Plan is the set of sub-actions chosen for one detection.
type Plan struct {
	PlanID            string          `json:"plan_id"`
	DetectionID       string          `json:"detection_id"`
	Severity          detect.Severity `json:"severity"`
	Isolation         IsolationLevel  `json:"isolation"`
	RotateCredentials bool            `json:"rotate_credentials"`
	SwitchBackup      bool            `json:"switch_backup"`
	Reason            string          `json:"reason"`
}

// Config tunes the orchestrator.
type Config struct {
	MaxActionsPerMinute int           `json:"max_actions_per_minute"`
	RotationDeadline    time.Duration `json:"rotation_deadline"`
	SecretPolicy        SecretPolicy  `json:"secret_policy"`
	BackupEndpoint      string        `json:"backup_endpoint"`
	ActionHistory       int           `json:"action_history"`
}

// DefaultConfig returns the stock response configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxActionsPerMinute: 10,
		RotationDeadline:    30 * time.Minute,
		SecretPolicy:        DefaultSecretPolicy(),
		ActionHistory:       1000,
	}
}

// parking holds what a rollback token can undo.
type parking struct {
	actionType ActionType
	component  pipeline.Component
	level      IsolationLevel
	account    string
	oldSecret  string
	deadline   time.Time
	rolledBack bool
}

// FailureHandler receives actions that started but did not succeed, so
// the caller can surface them back into the detection stream.
type FailureHandler func(det *detect.Detection, act *Action)

// Metrics is a point-in-time counter snapshot.
type Metrics struct {
	ActionsExecuted    int64 `json:"actions_executed"`
	ActionsFailed      int64 `json:"actions_failed"`
	ActionsDeferred    int64 `json:"actions_deferred"`
	ValidationFailures int64 `json:"validation_failures"`
	Rollbacks          int64 `json:"rollbacks"`
}

// Orchestrator turns detections into response actions. All mutation
// happens under one mutex, so actions apply in arrival order and the
// rate limiter sees a consistent history. Actuators are expected to be
// fast; slow transports belong behind their own queues.
type Orchestrator struct {
	config   *Config
	vault    CredentialVault
	isolator Isolator
	switcher EndpointSwitcher
	recorder audit.Recorder
	logger   *logrus.Logger

	mu        sync.Mutex
	now       func() time.Time
	starts    []time.Time
	deferred  []*deferredAction
	actions   map[string]*Action
	order     []string
	tokens    map[string]*parking
	isolated  map[pipeline.Component]string
	switchTok string
	onFailure FailureHandler

	actionsExecuted    int64
	actionsFailed      int64
	actionsDeferred    int64
	validationFailures int64
	rollbacks          int64
}

type deferredAction struct {
	action *Action
	det    *detect.Detection
}

// NewOrchestrator creates a response orchestrator. Nil actuators fall
// back to in-process implementations; a nil recorder disables auditing.
func NewOrchestrator(config *Config, vault CredentialVault, isolator Isolator, switcher EndpointSwitcher, recorder audit.Recorder, logger *logrus.Logger) *Orchestrator {
	if config == nil {
		config = DefaultConfig()
	}
	if vault == nil {
		vault = NewMemoryVault()
	}
	if isolator == nil {
		isolator = NewMemoryIsolator()
	}
	if switcher == nil {
		switcher = NewMemorySwitcher("primary", config.BackupEndpoint)
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Orchestrator{
		config:   config,
		vault:    vault,
		isolator: isolator,
		switcher: switcher,
		recorder: recorder,
		logger:   logger,
		now:      time.Now,
		actions:  make(map[string]*Action),
		tokens:   make(map[string]*parking),
		isolated: make(map[pipeline.Component]string),
	}
}

// SetFailureHandler installs the hook invoked when an executed action
// fails. Replaces any previous handler.
func (o *Orchestrator) SetFailureHandler(h FailureHandler) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onFailure = h
}

// PlanFor maps a detection to its response plan.
//
//	LOW       observe only
//	MEDIUM    network isolation
//	HIGH      service isolation, rotation on credential exposure,
//	          backup switch when an endpoint is configured
//	CRITICAL  complete isolation, rotation and backup switch always
func (o *Orchestrator) PlanFor(det *detect.Detection) *Plan {
	plan := &Plan{
		PlanID:      uuid.New().String(),
		DetectionID: det.DetectionID,
		Severity:    det.Severity,
		Isolation:   IsolationNone,
	}
	switch det.Severity {
	case detect.SeverityMedium:
		plan.Isolation = IsolationNetwork
		plan.Reason = "medium severity: contain at network level"
	case detect.SeverityHigh:
		plan.Isolation = IsolationService
		plan.RotateCredentials = det.Affects(pipeline.ComponentUserAccount) || hasCredentialIndicators(det)
		plan.SwitchBackup = o.config.BackupEndpoint != ""
		plan.Reason = "high severity: isolate services and protect credentials"
	case detect.SeverityCritical:
		plan.Isolation = IsolationComplete
		plan.RotateCredentials = true
		plan.SwitchBackup = true
		plan.Reason = "critical severity: full containment"
	default:
		plan.Reason = "low severity: monitor only"
	}
	return plan
}

// hasCredentialIndicators reports whether the detection carries signs
// of credential exposure even without the user_account component.
func hasCredentialIndicators(det *detect.Detection) bool {
	t := strings.ToLower(det.Type)
	if strings.Contains(t, "privilege") || strings.Contains(t, "backdoor") || strings.Contains(t, "credential") {
		return true
	}
	for key, value := range det.Indicators {
		blob := strings.ToLower(key)
		if s, ok := value.(string); ok {
			blob += " " + strings.ToLower(s)
		}
		if strings.Contains(blob, "credential") || strings.Contains(blob, "password") || strings.Contains(blob, "identified by") {
			return true
		}
	}
	return false
}

// Respond plans and executes the response for one detection. Deferred
// actions from earlier calls drain first so arrival order holds. The
// returned actions are live records: deferred entries complete later.
func (o *Orchestrator) Respond(ctx context.Context, det *detect.Detection) ([]*Action, error) {
	if det == nil {
		return nil, fmt.Errorf("nil detection")
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	now := o.now()
	o.drainLocked(ctx, now)

	plan := o.PlanFor(det)
	o.logger.WithFields(logrus.Fields{
		"detection_id": det.DetectionID,
		"severity":     det.Severity,
		"isolation":    plan.Isolation,
		"rotate":       plan.RotateCredentials,
		"switch":       plan.SwitchBackup,
	}).Info("Response plan selected")

	var results []*Action
	if plan.Isolation != IsolationNone {
		for _, component := range isolationTargets(det) {
			a := o.newAction(det, plan, ActionIsolate, string(component),
				map[string]interface{}{"isolation_level": string(plan.Isolation)})
			o.submitLocked(ctx, now, det, a)
			results = append(results, a)
		}
	}
	if plan.RotateCredentials {
		a := o.newAction(det, plan, ActionRotate, det.Principal, nil)
		o.submitLocked(ctx, now, det, a)
		results = append(results, a)
	}
	if plan.SwitchBackup {
		a := o.newAction(det, plan, ActionSwitch, o.config.BackupEndpoint, nil)
		o.submitLocked(ctx, now, det, a)
		results = append(results, a)
	}
	return results, nil
}

// isolationTargets lists the components to isolate. A detection with
// no recorded blast radius still contains the database.
func isolationTargets(det *detect.Detection) []pipeline.Component {
	if len(det.AffectedComponents) == 0 {
		return []pipeline.Component{pipeline.ComponentDatabase}
	}
	return det.AffectedComponents
}

func (o *Orchestrator) newAction(det *detect.Detection, plan *Plan, t ActionType, target string, params map[string]interface{}) *Action {
	if params == nil {
		params = make(map[string]interface{})
	}
	params["plan_id"] = plan.PlanID
	a := &Action{
		ActionID:    uuid.New().String(),
		DetectionID: det.DetectionID,
		Type:        t,
		Target:      target,
		Parameters:  params,
	}
	o.rememberLocked(a)
	return a
}

// submitLocked validates the action, then executes it now or defers it
// when the rate limiter is full. Invalid actions fail without starting
// and without consuming a rate slot.
func (o *Orchestrator) submitLocked(ctx context.Context, now time.Time, det *detect.Detection, a *Action) {
	if err := o.validateLocked(a); err != nil {
		done := now
		a.CompletedAt = &done
		a.ErrorMessage = err.Error()
		atomic.AddInt64(&o.validationFailures, 1)
		o.logger.WithFields(logrus.Fields{
			"action_id": a.ActionID,
			"type":      a.Type,
			"target":    a.Target,
		}).WithError(err).Warn("Response action rejected by validation")
		o.audit("action_rejected", map[string]interface{}{
			"action_id": a.ActionID,
			"type":      string(a.Type),
			"target":    a.Target,
			"error":     err.Error(),
		})
		return
	}
	if !o.reserveSlotLocked(now) {
		o.deferred = append(o.deferred, &deferredAction{action: a, det: det})
		atomic.AddInt64(&o.actionsDeferred, 1)
		o.logger.WithFields(logrus.Fields{
			"action_id": a.ActionID,
			"type":      a.Type,
			"queued":    len(o.deferred),
		}).Info("Response action deferred by rate limit")
		o.audit("action_deferred", map[string]interface{}{
			"action_id": a.ActionID,
			"type":      string(a.Type),
		})
		return
	}
	o.executeLocked(ctx, now, det, a)
}

// validateLocked precondition-checks an action without side effects.
func (o *Orchestrator) validateLocked(a *Action) error {
	switch a.Type {
	case ActionIsolate:
		if !pipeline.Component(a.Target).Valid() {
			return fmt.Errorf("unknown component %q", a.Target)
		}
		level, _ := a.Parameters["isolation_level"].(string)
		switch IsolationLevel(level) {
		case IsolationNetwork, IsolationService, IsolationComplete:
		default:
			return fmt.Errorf("invalid isolation level %q", level)
		}
	case ActionRotate:
		if a.Target == "" {
			return fmt.Errorf("credential rotation requires an account")
		}
	case ActionSwitch:
		if o.config.BackupEndpoint == "" {
			return fmt.Errorf("no backup endpoint configured")
		}
	default:
		return fmt.Errorf("unknown action type %q", a.Type)
	}
	return nil
}

// reserveSlotLocked admits one action start into the rolling window.
func (o *Orchestrator) reserveSlotLocked(now time.Time) bool {
	keep := o.starts[:0]
	for _, s := range o.starts {
		if now.Sub(s) < time.Minute {
			keep = append(keep, s)
		}
	}
	o.starts = keep
	if len(o.starts) >= o.config.MaxActionsPerMinute {
		return false
	}
	o.starts = append(o.starts, now)
	return true
}

// DrainDeferred executes queued actions for which rate slots are free,
// in arrival order, and returns how many ran. The supervisor calls this
// on its cycle so deferred actions do not wait for the next detection.
func (o *Orchestrator) DrainDeferred(ctx context.Context) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.drainLocked(ctx, o.now())
}

func (o *Orchestrator) drainLocked(ctx context.Context, now time.Time) int {
	ran := 0
	for len(o.deferred) > 0 {
		if !o.reserveSlotLocked(now) {
			break
		}
		next := o.deferred[0]
		o.deferred = o.deferred[1:]
		o.executeLocked(ctx, now, next.det, next.action)
		ran++
	}
	return ran
}

// DeferredCount reports how many actions await rate slots.
func (o *Orchestrator) DeferredCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.deferred)
}

// executeLocked runs one validated action whose rate slot is reserved.
func (o *Orchestrator) executeLocked(ctx context.Context, now time.Time, det *detect.Detection, a *Action) {
	a.StartedAt = now
	var err error
	switch a.Type {
	case ActionIsolate:
		err = o.runIsolateLocked(ctx, a)
	case ActionRotate:
		err = o.runRotateLocked(ctx, now, a)
	case ActionSwitch:
		err = o.runSwitchLocked(ctx, a)
	}
	done := o.now()
	a.CompletedAt = &done
	if err != nil {
		a.Success = false
		a.ErrorMessage = err.Error()
		atomic.AddInt64(&o.actionsFailed, 1)
		o.logger.WithFields(logrus.Fields{
			"action_id": a.ActionID,
			"type":      a.Type,
			"target":    a.Target,
		}).WithError(err).Error("Response action failed")
		o.audit("action_failed", map[string]interface{}{
			"action_id": a.ActionID,
			"type":      string(a.Type),
			"target":    a.Target,
			"error":     err.Error(),
		})
		if o.onFailure != nil {
			o.onFailure(det, a)
		}
		return
	}
	a.Success = true
	atomic.AddInt64(&o.actionsExecuted, 1)
	o.logger.WithFields(logrus.Fields{
		"action_id": a.ActionID,
		"type":      a.Type,
		"target":    a.Target,
	}).Info("Response action executed")
	o.audit("action_executed", map[string]interface{}{
		"action_id":      a.ActionID,
		"type":           string(a.Type),
		"target":         a.Target,
		"rollback_token": a.RollbackToken,
	})
}

// runIsolateLocked applies isolation. Repeating at the same or a weaker
// level is a no-op that returns the existing rollback token; isolation
// only ever tightens.
func (o *Orchestrator) runIsolateLocked(ctx context.Context, a *Action) error {
	component := pipeline.Component(a.Target)
	level := IsolationLevel(a.Parameters["isolation_level"].(string))
	if tok, ok := o.isolated[component]; ok {
		if p := o.tokens[tok]; p != nil && !p.rolledBack && p.level.rank() >= level.rank() {
			a.RollbackToken = tok
			return nil
		}
	}
	if err := o.isolator.Isolate(ctx, component, level); err != nil {
		return err
	}
	tok := uuid.New().String()
	o.tokens[tok] = &parking{actionType: ActionIsolate, component: component, level: level}
	o.isolated[component] = tok
	a.RollbackToken = tok
	return nil
}

// runRotateLocked mints a new secret and parks the old one until the
// rollback deadline.
func (o *Orchestrator) runRotateLocked(ctx context.Context, now time.Time, a *Action) error {
	secret, err := GenerateSecret(o.config.SecretPolicy)
	if err != nil {
		return fmt.Errorf("generate secret: %w", err)
	}
	old, err := o.vault.Swap(ctx, a.Target, secret)
	if err != nil {
		return fmt.Errorf("rotate %s: %w", a.Target, err)
	}
	tok := uuid.New().String()
	o.tokens[tok] = &parking{
		actionType: ActionRotate,
		account:    a.Target,
		oldSecret:  old,
		deadline:   now.Add(o.config.RotationDeadline),
	}
	a.RollbackToken = tok
	a.Parameters["rollback_deadline"] = o.tokens[tok].deadline.UTC().Format(time.RFC3339)
	return nil
}

// runSwitchLocked moves traffic to the backup endpoint. Switching while
// already on backup reuses the live token.
func (o *Orchestrator) runSwitchLocked(ctx context.Context, a *Action) error {
	if o.switchTok != "" {
		if p := o.tokens[o.switchTok]; p != nil && !p.rolledBack {
			a.RollbackToken = o.switchTok
			return nil
		}
	}
	active, err := o.switcher.SwitchToBackup(ctx)
	if err != nil {
		return err
	}
	tok := uuid.New().String()
	o.tokens[tok] = &parking{actionType: ActionSwitch}
	o.switchTok = tok
	a.RollbackToken = tok
	a.Parameters["active_endpoint"] = active
	return nil
}

// RollbackAction reverses a completed action: isolation is lifted, the
// old credential restored if the deadline has not passed, and traffic
// returned to the primary endpoint. A second rollback of the same
// action changes nothing and reports already_rolled_back.
func (o *Orchestrator) RollbackAction(ctx context.Context, actionID string) (*Action, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	orig, ok := o.actions[actionID]
	if !ok {
		return nil, fmt.Errorf("unknown action %s", actionID)
	}
	if !orig.Success {
		return nil, fmt.Errorf("action %s did not succeed; nothing to roll back", actionID)
	}
	p, ok := o.tokens[orig.RollbackToken]
	if !ok {
		return nil, fmt.Errorf("action %s is not reversible", actionID)
	}

	now := o.now()
	rb := &Action{
		ActionID:    uuid.New().String(),
		DetectionID: orig.DetectionID,
		Type:        ActionRollback,
		Target:      actionID,
		Parameters:  map[string]interface{}{"rollback_token": orig.RollbackToken},
		StartedAt:   now,
	}
	o.rememberLocked(rb)

	var err error
	if p.rolledBack {
		err = ErrAlreadyRolledBack
	} else {
		err = o.reverseLocked(ctx, now, p)
	}
	done := o.now()
	rb.CompletedAt = &done
	if err != nil {
		rb.ErrorMessage = err.Error()
		o.audit("action_rollback_failed", map[string]interface{}{
			"action_id": actionID,
			"error":     err.Error(),
		})
		return rb, fmt.Errorf("rollback %s: %w", actionID, err)
	}
	p.rolledBack = true
	rb.Success = true
	atomic.AddInt64(&o.rollbacks, 1)
	o.logger.WithFields(logrus.Fields{
		"action_id": actionID,
		"type":      p.actionType,
	}).Info("Response action rolled back")
	o.audit("action_rolled_back", map[string]interface{}{
		"action_id": actionID,
		"type":      string(p.actionType),
	})
	return rb, nil
}

func (o *Orchestrator) reverseLocked(ctx context.Context, now time.Time, p *parking) error {
	switch p.actionType {
	case ActionIsolate:
		if tok := o.isolated[p.component]; o.tokens[tok] != p {
			return fmt.Errorf("isolation of %s was superseded", p.component)
		}
		if err := o.isolator.Lift(ctx, p.component); err != nil {
			return err
		}
		delete(o.isolated, p.component)
	case ActionRotate:
		if now.After(p.deadline) {
			return fmt.Errorf("rotation rollback window expired at %s", p.deadline.UTC().Format(time.RFC3339))
		}
		if _, err := o.vault.Swap(ctx, p.account, p.oldSecret); err != nil {
			return err
		}
	case ActionSwitch:
		if _, err := o.switcher.SwitchToPrimary(ctx); err != nil {
			return err
		}
		o.switchTok = ""
	default:
		return fmt.Errorf("token does not support rollback")
	}
	return nil
}

// rememberLocked files an action in the bounded history.
func (o *Orchestrator) rememberLocked(a *Action) {
	o.actions[a.ActionID] = a
	o.order = append(o.order, a.ActionID)
	for len(o.order) > o.config.ActionHistory {
		oldest := o.order[0]
		o.order = o.order[1:]
		if old := o.actions[oldest]; old != nil && old.RollbackToken != "" {
			delete(o.tokens, old.RollbackToken)
		}
		delete(o.actions, oldest)
	}
}

// Action returns a recorded action by id.
func (o *Orchestrator) Action(actionID string) (*Action, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	a, ok := o.actions[actionID]
	return a, ok
}

// Metrics returns a snapshot of the orchestrator counters.
func (o *Orchestrator) Metrics() Metrics {
	return Metrics{
		ActionsExecuted:    atomic.LoadInt64(&o.actionsExecuted),
		ActionsFailed:      atomic.LoadInt64(&o.actionsFailed),
		ActionsDeferred:    atomic.LoadInt64(&o.actionsDeferred),
		ValidationFailures: atomic.LoadInt64(&o.validationFailures),
		Rollbacks:          atomic.LoadInt64(&o.rollbacks),
	}
}

func (o *Orchestrator) audit(action string, details map[string]interface{}) {
	if o.recorder == nil {
		return
	}
	if _, err := o.recorder.Append(audit.CategoryResponse, "response_orchestrator", action, details); err != nil {
		o.logger.WithError(err).Warn("Failed to audit response action")
	}
}
