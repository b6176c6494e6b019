// Package schedule implements the reference scheduler driver: plan.schedule
// events register cron or interval jobs whose ticks publish event.<name>
// events. Job records are persisted so registrations survive restarts.
package schedule

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/vextir/lightning"
	"github.com/vextir/lightning/modules/registry"
	"github.com/vextir/lightning/modules/storage"
)

// DriverID identifies the scheduler driver in the registry.
const DriverID = "scheduler"

// JobContainer is the storage container jobs persist to, partitioned by
// the owning user.
const JobContainer = "schedules"

// Job is one registered schedule.
type Job struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	Name   string `json:"name"`

	// Cron is a POSIX 5-field expression. Mutually exclusive with Every.
	Cron string `json:"cron,omitempty"`

	// Every is an ISO-8601 duration (PT30S, PT5M, P1D). Mutually
	// exclusive with Cron.
	Every string `json:"every,omitempty"`

	// Payload is copied into each emitted event's data.
	Payload map[string]any `json:"payload,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	LastRun   *time.Time `json:"last_run,omitempty"`
	RunCount  int64      `json:"run_count"`
}

// EventType returns the subject the job's ticks publish.
func (j Job) EventType() string { return "event." + j.Name }

// Driver consumes plan.schedule events. Supported operations in the event
// data: "register" (default), "cancel", "list".
type Driver struct {
	store   storage.Store
	publish func(ctx context.Context, event lightning.Event) error
	logger  lightning.Logger

	cron    *cron.Cron
	mu      sync.Mutex
	entries map[string]cron.EntryID
	jobs    map[string]Job
}

// Manifest returns the registry manifest for this driver.
func Manifest() registry.Manifest {
	return registry.Manifest{
		ID:           DriverID,
		Name:         "Scheduler",
		Version:      "1.0.0",
		Kind:         registry.KindScheduler,
		Description:  "Registers cron and interval jobs that emit events on schedule.",
		Capabilities: []string{"plan.schedule"},
	}
}

// Constructor returns a registry constructor for the driver.
func Constructor() registry.Constructor {
	return func(deps registry.Deps) (registry.Driver, error) {
		if deps.Store == nil {
			return nil, fmt.Errorf("%w: scheduler needs a storage provider", lightning.ErrInvalidInput)
		}
		if deps.Publish == nil {
			return nil, fmt.Errorf("%w: scheduler needs a publish function", lightning.ErrInvalidInput)
		}
		return &Driver{
			store:   deps.Store,
			publish: deps.Publish,
			logger:  deps.Logger,
			cron:    cron.New(),
			entries: map[string]cron.EntryID{},
			jobs:    map[string]Job{},
		}, nil
	}
}

// Initialize reloads persisted jobs and starts the cron runner.
func (d *Driver) Initialize(ctx context.Context) error {
	if err := d.store.CreateContainerIfNotExists(ctx, JobContainer); err != nil {
		return fmt.Errorf("ensuring %s container: %w", JobContainer, err)
	}
	docs, err := d.store.Query(ctx, JobContainer, storage.Query{})
	if err != nil {
		return fmt.Errorf("reloading jobs: %w", err)
	}
	for _, doc := range docs {
		job, err := jobFromDocument(doc)
		if err != nil {
			d.logger.Warn("skipping malformed job record", "id", doc.ID, "error", err)
			continue
		}
		if err := d.arm(job); err != nil {
			d.logger.Warn("skipping unschedulable job", "id", job.ID, "error", err)
		}
	}
	d.cron.Start()
	d.logger.Info("scheduler started", "jobs", len(d.entries))
	return nil
}

// Shutdown stops the cron runner, waiting for in-flight ticks.
func (d *Driver) Shutdown(ctx context.Context) error {
	stopped := d.cron.Stop()
	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handle processes one plan.schedule event.
func (d *Driver) Handle(ctx context.Context, event lightning.Event) ([]lightning.Event, error) {
	op, _ := event.Data["operation"].(string)
	switch op {
	case "", "register":
		return d.register(ctx, event)
	case "cancel":
		return d.cancel(ctx, event)
	case "list":
		return d.list(event)
	default:
		return nil, fmt.Errorf("%w: unknown schedule operation %q", lightning.ErrInvalidInput, op)
	}
}

func (d *Driver) register(ctx context.Context, event lightning.Event) ([]lightning.Event, error) {
	name, _ := event.Data["name"].(string)
	if name == "" {
		return nil, fmt.Errorf("%w: schedule registration needs a name", lightning.ErrInvalidInput)
	}
	job := Job{
		ID:        lightning.NewEventID(),
		UserID:    event.UserID,
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	if cronExpr, _ := event.Data["cron"].(string); cronExpr != "" {
		job.Cron = cronExpr
	}
	if every, _ := event.Data["every"].(string); every != "" {
		job.Every = every
	}
	if payload, ok := event.Data["payload"].(map[string]any); ok {
		job.Payload = payload
	}
	if (job.Cron == "") == (job.Every == "") {
		return nil, fmt.Errorf("%w: schedule needs exactly one of cron or every", lightning.ErrInvalidInput)
	}

	if err := d.arm(job); err != nil {
		return nil, err
	}
	if _, err := d.store.Create(ctx, JobContainer, jobToDocument(job)); err != nil {
		d.disarm(job.ID)
		return nil, fmt.Errorf("persisting job: %w", err)
	}

	d.logger.Info("schedule registered", "job_id", job.ID, "name", job.Name, "user_id", job.UserID)
	ack := lightning.NewEvent("plan.schedule.registered", map[string]any{
		"job_id": job.ID,
		"name":   job.Name,
		"emits":  job.EventType(),
	})
	ack.Source = DriverID
	ack.UserID = event.UserID
	return []lightning.Event{ack}, nil
}

func (d *Driver) cancel(ctx context.Context, event lightning.Event) ([]lightning.Event, error) {
	jobID, _ := event.Data["job_id"].(string)
	if jobID == "" {
		return nil, fmt.Errorf("%w: schedule cancel needs a job_id", lightning.ErrInvalidInput)
	}
	d.mu.Lock()
	job, ok := d.jobs[jobID]
	d.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: job %s", lightning.ErrNotFound, jobID)
	}
	d.disarm(jobID)
	if err := d.store.Delete(ctx, JobContainer, jobID, job.UserID); err != nil {
		return nil, fmt.Errorf("removing job record: %w", err)
	}
	ack := lightning.NewEvent("plan.schedule.cancelled", map[string]any{"job_id": jobID})
	ack.Source = DriverID
	ack.UserID = event.UserID
	return []lightning.Event{ack}, nil
}

func (d *Driver) list(event lightning.Event) ([]lightning.Event, error) {
	d.mu.Lock()
	jobs := make([]map[string]any, 0, len(d.jobs))
	for _, job := range d.jobs {
		if event.UserID != "" && job.UserID != event.UserID {
			continue
		}
		jobs = append(jobs, map[string]any{
			"job_id":    job.ID,
			"name":      job.Name,
			"cron":      job.Cron,
			"every":     job.Every,
			"run_count": job.RunCount,
		})
	}
	d.mu.Unlock()

	out := lightning.NewEvent("plan.schedule.listed", map[string]any{"jobs": jobs})
	out.Source = DriverID
	out.UserID = event.UserID
	return []lightning.Event{out}, nil
}

// arm registers the job with the cron runner and tracks it.
func (d *Driver) arm(job Job) error {
	spec := job.Cron
	if job.Every != "" {
		interval, err := ParseISODuration(job.Every)
		if err != nil {
			return fmt.Errorf("%w: %w", lightning.ErrInvalidInput, err)
		}
		spec = "@every " + interval.String()
	} else if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("%w: cron %q: %w", lightning.ErrInvalidInput, spec, err)
	}

	jobID := job.ID
	entryID, err := d.cron.AddFunc(spec, func() { d.fire(jobID) })
	if err != nil {
		return fmt.Errorf("%w: %w", lightning.ErrInvalidInput, err)
	}
	d.mu.Lock()
	d.entries[job.ID] = entryID
	d.jobs[job.ID] = job
	d.mu.Unlock()
	return nil
}

func (d *Driver) disarm(jobID string) {
	d.mu.Lock()
	if entryID, ok := d.entries[jobID]; ok {
		d.cron.Remove(entryID)
		delete(d.entries, jobID)
	}
	delete(d.jobs, jobID)
	d.mu.Unlock()
}

// fire publishes one tick of a job and updates its run bookkeeping.
func (d *Driver) fire(jobID string) {
	d.mu.Lock()
	job, ok := d.jobs[jobID]
	if !ok {
		d.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	job.LastRun = &now
	job.RunCount++
	d.jobs[jobID] = job
	d.mu.Unlock()

	data := map[string]any{"job_id": job.ID, "name": job.Name}
	for k, v := range job.Payload {
		data[k] = v
	}
	tick := lightning.NewEvent(job.EventType(), data)
	tick.Source = DriverID
	tick.UserID = job.UserID

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.publish(ctx, tick); err != nil {
		d.logger.Error("schedule tick not published", "job_id", job.ID, "error", err)
		return
	}

	doc := jobToDocument(job)
	if current, err := d.store.Get(ctx, JobContainer, job.ID, job.UserID); err == nil {
		doc.Version = current.Version
		if _, err := d.store.Update(ctx, JobContainer, doc); err != nil {
			d.logger.Warn("job run bookkeeping not persisted", "job_id", job.ID, "error", err)
		}
	}
}

func jobToDocument(job Job) storage.Document {
	attrs := map[string]any{
		"user_id":    job.UserID,
		"name":       job.Name,
		"cron":       job.Cron,
		"every":      job.Every,
		"created_at": job.CreatedAt.Format(time.RFC3339Nano),
		"run_count":  job.RunCount,
	}
	if job.Payload != nil {
		attrs["payload"] = job.Payload
	}
	if job.LastRun != nil {
		attrs["last_run"] = job.LastRun.Format(time.RFC3339Nano)
	}
	return storage.Document{ID: job.ID, PartitionKey: job.UserID, Attributes: attrs}
}

func jobFromDocument(doc storage.Document) (Job, error) {
	job := Job{ID: doc.ID, UserID: doc.PartitionKey}
	job.Name, _ = doc.Attributes["name"].(string)
	if job.Name == "" {
		return Job{}, fmt.Errorf("job record %s has no name", doc.ID)
	}
	job.Cron, _ = doc.Attributes["cron"].(string)
	job.Every, _ = doc.Attributes["every"].(string)
	if payload, ok := doc.Attributes["payload"].(map[string]any); ok {
		job.Payload = payload
	}
	if raw, ok := doc.Attributes["created_at"].(string); ok {
		job.CreatedAt, _ = time.Parse(time.RFC3339Nano, raw)
	}
	if raw, ok := doc.Attributes["last_run"].(string); ok {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			job.LastRun = &ts
		}
	}
	switch v := doc.Attributes["run_count"].(type) {
	case int64:
		job.RunCount = v
	case int:
		job.RunCount = int64(v)
	case float64:
		job.RunCount = int64(v)
	}
	return job, nil
}

// ParseISODuration parses the ISO-8601 duration subset schedules use:
// PnDTnHnMnS with any component optional, plus the bare PnW week form.
func ParseISODuration(s string) (time.Duration, error) {
	orig := s
	if len(s) < 2 || (s[0] != 'P' && s[0] != 'p') {
		return 0, fmt.Errorf("invalid ISO-8601 duration %q", orig)
	}
	s = s[1:]

	var total time.Duration
	inTime := false
	num := ""
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9' || r == '.':
			num += string(r)
		case r == 'T' || r == 't':
			if inTime || num != "" {
				return 0, fmt.Errorf("invalid ISO-8601 duration %q", orig)
			}
			inTime = true
		default:
			if num == "" {
				return 0, fmt.Errorf("invalid ISO-8601 duration %q", orig)
			}
			value, err := strconv.ParseFloat(num, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid ISO-8601 duration %q: %w", orig, err)
			}
			num = ""
			var unit time.Duration
			switch strings.ToUpper(string(r)) {
			case "W":
				if inTime {
					return 0, fmt.Errorf("invalid ISO-8601 duration %q", orig)
				}
				unit = 7 * 24 * time.Hour
			case "D":
				if inTime {
					return 0, fmt.Errorf("invalid ISO-8601 duration %q", orig)
				}
				unit = 24 * time.Hour
			case "H":
				if !inTime {
					return 0, fmt.Errorf("invalid ISO-8601 duration %q", orig)
				}
				unit = time.Hour
			case "M":
				if inTime {
					unit = time.Minute
				} else {
					return 0, fmt.Errorf("calendar months are not supported in %q", orig)
				}
			case "S":
				if !inTime {
					return 0, fmt.Errorf("invalid ISO-8601 duration %q", orig)
				}
				unit = time.Second
			default:
				return 0, fmt.Errorf("invalid ISO-8601 duration %q", orig)
			}
			total += time.Duration(value * float64(unit))
		}
	}
	if num != "" || total <= 0 {
		return 0, fmt.Errorf("invalid ISO-8601 duration %q", orig)
	}
	return total, nil
}
