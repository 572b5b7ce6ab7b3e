package cron

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/msggate/internal/bus"
	"github.com/nextlevelbuilder/msggate/internal/sessions"
)

// timedOutMessage is recorded when a run exceeds its timeout.
const timedOutMessage = "cron: job execution timed out"

// EventJobRemoved is broadcast when a deleteAfterRun job is removed.
const EventJobRemoved = "cron:removed"

// TurnRunner executes an isolated agent turn and returns its payloads.
type TurnRunner interface {
	RunTurn(ctx context.Context, sessionKey, message string, opts TurnOptions) ([]bus.Payload, error)
}

// TurnOptions carries the agent-turn knobs from the job payload.
type TurnOptions struct {
	AgentID                    string
	Model                      string
	Thinking                   string
	AllowUnsafeExternalContent bool
}

// Announcer delivers isolated-run output to a channel target.
type Announcer interface {
	Announce(ctx context.Context, channel, to string, payloads []bus.Payload, bestEffort bool) error
}

// WakeRequester pokes the heartbeat runner after a main-session event.
type WakeRequester interface {
	RequestWake(reason string)
}

// EventBroadcaster mirrors bus.MessageBus.Broadcast.
type EventBroadcaster interface {
	Broadcast(ev bus.Event)
}

// RunResult is the outcome of one job execution.
type RunResult struct {
	Status         string
	Err            string
	Delivered      bool
	DeliveryStatus string
	DeliveryError  string
}

// Deps wires the scheduler's collaborators. Events, Wake, Turns,
// Announce and HTTPClient are all optional; missing ones degrade the
// corresponding job behaviors to recorded errors or no-ops.
type Deps struct {
	System     bus.MessageRouter
	Turns      TurnRunner
	Announce   Announcer
	Wake       WakeRequester
	Events     EventBroadcaster
	HTTPClient *http.Client
	Log        *slog.Logger
}

// Scheduler owns the job store, the tick timer and run execution.
type Scheduler struct {
	store  *Store
	deps   Deps
	log    *slog.Logger
	tracer trace.Tracer

	defaultAgent      string
	maxConcurrentRuns int

	timer   *time.Timer
	wakeCh  chan struct{}
	done    chan struct{}
	ticking bool

	runWG sync.WaitGroup

	now func() time.Time
}

// NewScheduler builds a scheduler over store. defaultAgent routes jobs
// that do not pin an agentId.
func NewScheduler(store *Store, defaultAgent string, deps Deps) *Scheduler {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		store:             store,
		deps:              deps,
		log:               log.With("component", "cron"),
		tracer:            otel.Tracer("msggate/cron"),
		defaultAgent:      defaultAgent,
		maxConcurrentRuns: 4,
		wakeCh:            make(chan struct{}, 1),
		done:              make(chan struct{}),
		now:               time.Now,
	}
}

// Start loads the store, clears stale running markers, recomputes next
// runs and launches the tick loop. Jobs already due fire on the first
// tick, which is armed immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.store.Lock()
	if err := s.store.Load(); err != nil {
		s.store.Unlock()
		return err
	}
	s.recomputeNextRunsForMaintenance()
	err := s.store.Save()
	s.store.Unlock()
	if err != nil {
		return err
	}

	go s.loop(ctx)
	s.signal()
	return nil
}

// Stop halts the loop and waits for in-flight runs.
func (s *Scheduler) Stop() {
	close(s.done)
	s.runWG.Wait()
}

// signal forces a tick without waiting for the timer.
func (s *Scheduler) signal() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	for {
		delay := s.nextDelay()
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.done:
			timer.Stop()
			return
		case <-timer.C:
		case <-s.wakeCh:
			timer.Stop()
		}
		s.tick(ctx)
	}
}

// nextDelay computes the sleep until the earliest due job, capped at
// MaxTimerDelay so a wedged clock or far-future job never starves the
// watchdog.
func (s *Scheduler) nextDelay() time.Duration {
	s.store.Lock()
	defer s.store.Unlock()

	now := s.now().UnixMilli()
	delay := MaxTimerDelay
	for _, j := range s.store.Jobs() {
		if !j.Enabled || j.State.NextRunAtMs == 0 || j.State.RunningAtMs != 0 {
			continue
		}
		d := time.Duration(j.State.NextRunAtMs-now) * time.Millisecond
		if d < 0 {
			d = 0
		}
		if d < delay {
			delay = d
		}
	}
	return delay
}

// tick selects due jobs, marks them running, executes them outside the
// lock and applies the outcomes.
func (s *Scheduler) tick(ctx context.Context) {
	s.store.Lock()
	if s.ticking {
		// Watchdog path: a previous tick still executing.
		s.store.Unlock()
		return
	}
	s.ticking = true

	now := s.now()
	nowMs := now.UnixMilli()
	staleCutoff := now.Add(-StuckRunThreshold).UnixMilli()

	var due []*Job
	for _, j := range s.store.Jobs() {
		if j.State.RunningAtMs != 0 && j.State.RunningAtMs < staleCutoff {
			s.log.Warn("clearing stuck run marker", "job", j.ID, "runningAt", j.State.RunningAtMs)
			j.State.RunningAtMs = 0
		}
		if !j.Enabled || j.State.RunningAtMs != 0 {
			continue
		}
		if j.State.NextRunAtMs != 0 && j.State.NextRunAtMs <= nowMs {
			due = append(due, j)
		}
	}
	for _, j := range due {
		j.State.RunningAtMs = nowMs
	}
	if len(due) > 0 {
		if err := s.store.Save(); err != nil {
			s.log.Error("persist running markers", "error", err)
		}
	}
	s.store.Unlock()

	if len(due) == 0 {
		s.store.Lock()
		s.ticking = false
		s.store.Unlock()
		return
	}

	type outcome struct {
		job     *Job
		res     RunResult
		started time.Time
		ended   time.Time
	}
	outcomes := make([]outcome, len(due))
	sem := make(chan struct{}, s.maxConcurrentRuns)
	var wg sync.WaitGroup
	for i, j := range due {
		wg.Add(1)
		s.runWG.Add(1)
		go func(i int, j *Job) {
			defer wg.Done()
			defer s.runWG.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			started := s.now()
			res := s.executeJob(ctx, j)
			outcomes[i] = outcome{job: j, res: res, started: started, ended: s.now()}
		}(i, j)
	}
	wg.Wait()

	s.store.Lock()
	for _, o := range outcomes {
		s.applyJobResult(o.job, o.res, o.started, o.ended)
	}
	s.recomputeNextRunsForMaintenance()
	if err := s.store.Save(); err != nil {
		s.log.Error("persist run outcomes", "error", err)
	}
	s.ticking = false
	s.store.Unlock()
}

// applyJobResult records a run outcome on job state and decides the
// job's future: backoff on errors, one-shot disable, deleteAfterRun
// removal, minimum cron re-fire gap. Caller holds the store lock.
func (s *Scheduler) applyJobResult(j *Job, res RunResult, started, ended time.Time) {
	j.State.RunningAtMs = 0
	j.State.LastRunAtMs = started.UnixMilli()
	j.State.LastDurationMs = ended.Sub(started).Milliseconds()
	j.State.LastStatus = res.Status
	j.State.LastError = res.Err
	j.State.LastDelivered = res.Delivered
	j.State.LastDeliveryStatus = res.DeliveryStatus
	j.State.LastDeliveryError = res.DeliveryError
	s.store.Touch(j)

	if res.Status == StatusError {
		j.State.ConsecutiveErrors++
	} else {
		j.State.ConsecutiveErrors = 0
	}

	if j.Schedule.Kind == ScheduleAt {
		// One-shot: disabled after any terminal status.
		j.Enabled = false
		j.State.NextRunAtMs = 0
		if j.DeleteAfterRun && res.Status == StatusOK {
			s.store.Remove(j.ID)
			if s.deps.Events != nil {
				s.deps.Events.Broadcast(bus.Event{Name: EventJobRemoved, Payload: j.ID})
			}
		}
		return
	}

	next, err := ComputeNextRun(j, ended)
	if err != nil {
		j.State.ScheduleErrorCount++
		s.log.Error("schedule computation failed", "job", j.ID, "error", err)
		if j.State.ScheduleErrorCount >= MaxScheduleErrors {
			j.Enabled = false
			s.log.Warn("disabling job after repeated schedule errors", "job", j.ID)
		}
		return
	}
	j.State.ScheduleErrorCount = 0

	if j.Schedule.Kind == ScheduleCron {
		if gap := ended.UnixMilli() + CronRefireGap.Milliseconds(); next < gap {
			next = gap
		}
	}
	if res.Status == StatusError {
		retry := ended.Add(errorBackoff(j.State.ConsecutiveErrors)).UnixMilli()
		if retry > next {
			next = retry
		}
	}
	j.State.NextRunAtMs = next
}

// recomputeNextRunsForMaintenance fills in missing nextRunAtMs values.
// It deliberately does not advance an existing past-due value: a job
// that became due while another run held the tick must fire on the next
// tick, not silently skip to its following slot. Caller holds the lock.
func (s *Scheduler) recomputeNextRunsForMaintenance() {
	now := s.now()
	nowMs := now.UnixMilli()
	for _, j := range s.store.Jobs() {
		if !j.Enabled || j.State.RunningAtMs != 0 {
			continue
		}
		if j.State.NextRunAtMs != 0 && j.State.NextRunAtMs <= nowMs {
			continue // past-due, runs on the next tick
		}
		next, err := ComputeNextRun(j, now)
		if err != nil {
			j.State.ScheduleErrorCount++
			if j.State.ScheduleErrorCount >= MaxScheduleErrors {
				j.Enabled = false
				s.log.Warn("disabling job after repeated schedule errors", "job", j.ID)
			}
			continue
		}
		j.State.ScheduleErrorCount = 0
		j.State.NextRunAtMs = next
	}
}

// Run modes for manual execution.
const (
	RunModeForce = "force" // run regardless of schedule
	RunModeDue   = "due"   // run only if nextRunAtMs has passed
)

var (
	ErrJobNotFound    = errors.New("cron: job not found")
	ErrJobRunning     = errors.New("cron: job already running")
	ErrJobNotDue      = errors.New("cron: job not due")
	ErrUnknownRunMode = errors.New("cron: unknown run mode")
)

// Run executes one job by id outside the regular tick. The running
// marker is reserved under lock, the run happens outside it, and the
// outcome is applied the same way a scheduled run is.
func (s *Scheduler) Run(ctx context.Context, id, mode string) (RunResult, error) {
	if mode != RunModeForce && mode != RunModeDue {
		return RunResult{}, fmt.Errorf("%w: %q", ErrUnknownRunMode, mode)
	}

	s.store.Lock()
	j := s.store.Get(id)
	if j == nil {
		s.store.Unlock()
		return RunResult{}, ErrJobNotFound
	}
	if j.State.RunningAtMs != 0 {
		s.store.Unlock()
		return RunResult{}, ErrJobRunning
	}
	nowMs := s.now().UnixMilli()
	if mode == RunModeDue && (j.State.NextRunAtMs == 0 || j.State.NextRunAtMs > nowMs) {
		s.store.Unlock()
		return RunResult{}, ErrJobNotDue
	}
	j.State.RunningAtMs = nowMs
	if err := s.store.Save(); err != nil {
		j.State.RunningAtMs = 0
		s.store.Unlock()
		return RunResult{}, err
	}
	s.store.Unlock()

	started := s.now()
	s.runWG.Add(1)
	res := s.executeJob(ctx, j)
	s.runWG.Done()
	ended := s.now()

	s.store.Lock()
	s.applyJobResult(j, res, started, ended)
	s.recomputeNextRunsForMaintenance()
	err := s.store.Save()
	s.store.Unlock()
	s.signal()
	return res, err
}

// Add validates, stores and schedules a new job.
func (s *Scheduler) Add(j *Job) error {
	s.store.Lock()
	defer s.store.Unlock()
	if err := s.store.Add(j); err != nil {
		return err
	}
	next, err := ComputeNextRun(j, s.now())
	if err != nil {
		return err
	}
	j.State.NextRunAtMs = next
	err = s.store.Save()
	s.signal()
	return err
}

// Remove deletes a job by id.
func (s *Scheduler) Remove(id string) error {
	s.store.Lock()
	defer s.store.Unlock()
	if !s.store.Remove(id) {
		return ErrJobNotFound
	}
	if s.deps.Events != nil {
		s.deps.Events.Broadcast(bus.Event{Name: EventJobRemoved, Payload: id})
	}
	return s.store.Save()
}

// Jobs returns a snapshot of all jobs.
func (s *Scheduler) Jobs() []*Job {
	s.store.Lock()
	defer s.store.Unlock()
	jobs := s.store.Jobs()
	out := make([]*Job, len(jobs))
	copy(out, jobs)
	return out
}

// executeJob runs one job under its timeout. It never holds the store
// lock.
func (s *Scheduler) executeJob(ctx context.Context, j *Job) RunResult {
	ctx, span := s.tracer.Start(ctx, "cron.run", trace.WithAttributes(
		attribute.String("job.id", j.ID),
		attribute.String("payload.kind", j.Payload.Kind),
	))
	defer span.End()

	runCtx, cancel := context.WithTimeout(ctx, j.Timeout())
	defer cancel()

	var res RunResult
	switch j.Payload.Kind {
	case PayloadSystemEvent:
		res = s.runSystemEvent(j)
	case PayloadAgentTurn:
		res = s.runAgentTurn(runCtx, j)
	default:
		res = RunResult{Status: StatusError, Err: fmt.Sprintf("unknown payload kind %q", j.Payload.Kind), DeliveryStatus: DeliveredNotRequested}
	}
	if runCtx.Err() == context.DeadlineExceeded {
		res.Status = StatusError
		res.Err = timedOutMessage
	}
	return res
}

func (s *Scheduler) agentFor(j *Job) string {
	if j.AgentID != "" {
		return j.AgentID
	}
	return s.defaultAgent
}

// runSystemEvent posts the payload text into the target session and,
// for wakeMode=now, pokes the heartbeat runner.
func (s *Scheduler) runSystemEvent(j *Job) RunResult {
	sessionKey := j.SessionKey
	if sessionKey == "" {
		sessionKey = sessions.BuildAgentMainSessionKey(s.agentFor(j))
	}
	if s.deps.System == nil {
		return RunResult{Status: StatusError, Err: "cron: no system event sink configured", DeliveryStatus: DeliveredNotRequested}
	}
	s.deps.System.PublishSystemEvent(bus.SystemEvent{
		SessionKey: sessionKey,
		Text:       j.Payload.Text,
		Tag:        "cron",
	})
	if j.WakeMode != "next-heartbeat" && s.deps.Wake != nil {
		s.deps.Wake.RequestWake("cron-event")
	}
	return RunResult{Status: StatusOK, DeliveryStatus: DeliveredNotRequested}
}

// runAgentTurn executes an isolated agent turn and routes its output
// per the resolved delivery plan. An announce-mode run that delivered
// its own output does not post the summary back to the main session.
func (s *Scheduler) runAgentTurn(ctx context.Context, j *Job) RunResult {
	if s.deps.Turns == nil {
		return RunResult{Status: StatusError, Err: "cron: no turn runner configured", DeliveryStatus: DeliveredNotRequested}
	}
	agentID := s.agentFor(j)
	runID := uuid.NewString()
	sessionKey := j.SessionKey
	if sessionKey == "" {
		sessionKey = sessions.BuildCronSessionKey(agentID, j.ID, runID)
	}

	payloads, err := s.deps.Turns.RunTurn(ctx, sessionKey, j.Payload.Message, TurnOptions{
		AgentID:                    agentID,
		Model:                      j.Payload.Model,
		Thinking:                   j.Payload.Thinking,
		AllowUnsafeExternalContent: j.Payload.AllowUnsafeExternalContent,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return RunResult{Status: StatusError, Err: timedOutMessage, DeliveryStatus: DeliveredNotRequested}
		}
		return RunResult{Status: StatusError, Err: err.Error(), DeliveryStatus: DeliveredNotRequested}
	}

	plan := ResolveDeliveryPlan(j)
	res := RunResult{Status: StatusOK, DeliveryStatus: DeliveredNotRequested}
	if plan.Requested {
		res.Delivered, res.DeliveryStatus, res.DeliveryError = s.deliverRunOutput(ctx, j, plan, payloads)
	}

	// Summary wake for the main session, unless announce already put
	// the output in front of the user.
	if !(plan.Mode == DeliveryAnnounce && res.Delivered) && s.deps.System != nil {
		s.deps.System.PublishSystemEvent(bus.SystemEvent{
			SessionKey: sessions.BuildAgentMainSessionKey(agentID),
			Text:       runSummary(j, payloads),
			Tag:        "cron",
		})
		if j.WakeMode != "next-heartbeat" && s.deps.Wake != nil {
			s.deps.Wake.RequestWake("cron-event")
		}
	}
	return res
}

func (s *Scheduler) deliverRunOutput(ctx context.Context, j *Job, plan DeliveryPlan, payloads []bus.Payload) (delivered bool, status, deliveryErr string) {
	switch plan.Mode {
	case DeliveryAnnounce:
		if s.deps.Announce == nil {
			return false, DeliveredNo, "cron: no announcer configured"
		}
		if err := s.deps.Announce.Announce(ctx, plan.Channel, plan.To, payloads, plan.BestEffort); err != nil {
			return false, DeliveredNo, err.Error()
		}
		return true, DeliveredYes, ""
	case DeliveryWebhook:
		if err := s.postWebhook(ctx, j, plan.To, payloads); err != nil {
			return false, DeliveredNo, err.Error()
		}
		return true, DeliveredYes, ""
	}
	return false, DeliveredUnknown, fmt.Sprintf("unknown delivery mode %q", plan.Mode)
}

// postWebhook POSTs the run output as JSON to the configured URL.
func (s *Scheduler) postWebhook(ctx context.Context, j *Job, url string, payloads []bus.Payload) error {
	client := s.deps.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	body, err := json.Marshal(map[string]any{
		"jobId":    j.ID,
		"name":     j.Name,
		"payloads": payloads,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook delivery: status %d", resp.StatusCode)
	}
	return nil
}

// runSummary condenses run output into the main-session wake note.
func runSummary(j *Job, payloads []bus.Payload) string {
	var first string
	for _, p := range payloads {
		if p.IsReasoning {
			continue
		}
		if t := strings.TrimSpace(p.Text); t != "" {
			first = t
			break
		}
	}
	if first == "" {
		return fmt.Sprintf("Cron job %q finished with no text output.", j.Name)
	}
	if runes := []rune(first); len(runes) > 500 {
		first = string(runes[:500]) + "…"
	}
	return fmt.Sprintf("Cron job %q finished: %s", j.Name, first)
}
