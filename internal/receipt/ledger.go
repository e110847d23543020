package receipt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/zombor/paytrack/internal/scanning"
	"github.com/zombor/paytrack/internal/settings"
	"github.com/zombor/paytrack/internal/submission"
)

var (
	// ErrItemNotFound is returned for ids that are not (or no longer) in the ledger
	ErrItemNotFound = errors.New("item not found")
	// ErrNoFormURL is returned by BeginSync when no submission target is configured
	ErrNoFormURL = errors.New("no form url configured")
	// ErrEmptyImage is returned by Create for an empty payload
	ErrEmptyImage = errors.New("image is empty")
	// ErrNoImage is returned by Retry when the item has no image to re-scan
	ErrNoImage = errors.New("item has no image")
)

// DefaultMaxInFlight bounds concurrent outbound calls when none is given
const DefaultMaxInFlight = 4

// IDGenerator generates unique IDs for items
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

// Submitter forwards a reviewed item to the configured form
type Submitter interface {
	Submit(ctx context.Context, entry submission.Entry, cfg settings.Config) error
}

// ConfigSource provides the active submission config
type ConfigSource interface {
	Current() settings.Config
}

type uuidGenerator struct{}

func (uuidGenerator) Generate() string {
	return uuid.NewString()
}

type defaultTimeSource struct{}

func (defaultTimeSource) Now() time.Time {
	return time.Now()
}

// entry is the ledger's private record of an item
type entry struct {
	id          string
	image       []byte
	contentType string
	fields      fields
	state       state
	createdAt   time.Time
	updatedAt   time.Time
}

func (e *entry) view() Item {
	item := Item{
		ID:          e.id,
		Merchant:    e.fields.Merchant,
		Amount:      e.fields.Amount,
		Currency:    e.fields.Currency,
		Date:        e.fields.Date,
		Category:    e.fields.Category,
		Status:      e.state.status(),
		ContentType: e.contentType,
		HasImage:    len(e.image) > 0,
		CreatedAt:   e.createdAt,
		UpdatedAt:   e.updatedAt,
	}
	if f, ok := e.state.(failed); ok {
		item.Error = f.cause
	}
	return item
}

// merge overwrites the extracted fields. Optional fields the model left
// out keep their previous values.
func (e *entry) merge(data *scanning.ReceiptData) {
	e.fields.Merchant = data.Merchant
	e.fields.Amount = data.Amount
	e.fields.Date = data.Date
	if data.Currency != "" {
		e.fields.Currency = data.Currency
	}
	if data.Category != "" {
		e.fields.Category = data.Category
	}
}

// outcome is what a background task reports back to the ledger
type outcome struct {
	id    string
	task  uint64
	stage stage
	data  *scanning.ReceiptData
	err   error
}

// Ledger is the ordered, newest-first collection of captured receipts. It
// is the only component that changes an item after creation. Extraction
// and submission run as background tasks that report an outcome over a
// channel; Run applies each outcome only if the item still exists and is
// still waiting on that task.
type Ledger struct {
	scanner     scanning.Scanner
	submitter   Submitter
	config      ConfigSource
	idGenerator IDGenerator
	timeSource  TimeSource

	mu       sync.Mutex
	entries  []*entry
	lastTask uint64

	results  chan outcome
	stopped  chan struct{}
	stopOnce sync.Once
	ctx      context.Context
	cancel   context.CancelFunc
	slots    *semaphore.Weighted
	tasks    sync.WaitGroup
}

// NewLedger creates a Ledger with a UUID id generator and the wall clock
func NewLedger(scanner scanning.Scanner, submitter Submitter, config ConfigSource, maxInFlight int64) *Ledger {
	return NewLedgerWithDeps(scanner, submitter, config, maxInFlight, uuidGenerator{}, defaultTimeSource{})
}

// NewLedgerWithDeps creates a Ledger with custom dependencies for testing
func NewLedgerWithDeps(scanner scanning.Scanner, submitter Submitter, config ConfigSource, maxInFlight int64, idGen IDGenerator, timeSrc TimeSource) *Ledger {
	if maxInFlight <= 0 {
		maxInFlight = DefaultMaxInFlight
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Ledger{
		scanner:     scanner,
		submitter:   submitter,
		config:      config,
		idGenerator: idGen,
		timeSource:  timeSrc,
		results:     make(chan outcome),
		stopped:     make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
		slots:       semaphore.NewWeighted(maxInFlight),
	}
}

// Run applies task outcomes until ctx is cancelled. Tasks still in flight
// afterwards are cancelled and their outcomes dropped.
func (l *Ledger) Run(ctx context.Context) error {
	defer l.stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case out := <-l.results:
			l.apply(out)
			l.tasks.Done()
		}
	}
}

func (l *Ledger) stop() {
	l.stopOnce.Do(func() {
		l.cancel()
		close(l.stopped)
	})
}

// Wait blocks until every dispatched task has been applied or dropped.
// It must not overlap calls to Create, Retry or BeginSync.
func (l *Ledger) Wait() {
	l.tasks.Wait()
}

// Create adds a new item at the front of the ledger and starts extracting
// its fields in the background. It does not wait for the extraction.
func (l *Ledger) Create(image []byte, contentType string) (Item, error) {
	if len(image) == 0 {
		return Item{}, ErrEmptyImage
	}

	now := l.timeSource.Now()
	e := &entry{
		id:          l.idGenerator.Generate(),
		image:       append([]byte(nil), image...),
		contentType: contentType,
		fields:      placeholderFields(now),
		createdAt:   now,
		updatedAt:   now,
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	task := l.nextTask()
	e.state = processing{stage: stageExtract, task: task}
	l.entries = append([]*entry{e}, l.entries...)
	l.startExtraction(e, task)

	slog.Info("Item created", "id", e.id, "content_type", contentType, "size", len(image))
	return e.view(), nil
}

// Retry re-runs extraction for a failed item under the same id. The item
// goes back to placeholder fields, exactly like a fresh capture.
func (l *Ledger) Retry(id string) (Item, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := l.find(id)
	if e == nil {
		return Item{}, fmt.Errorf("retrying %s: %w", id, ErrItemNotFound)
	}
	f, ok := e.state.(failed)
	if !ok {
		return Item{}, transitionError("retry", e.state)
	}
	if len(e.image) == 0 {
		return Item{}, fmt.Errorf("retrying %s: %w", id, ErrNoImage)
	}

	now := l.timeSource.Now()
	task := l.nextTask()
	e.state = f.retry(task)
	e.fields = placeholderFields(now)
	e.updatedAt = now
	l.startExtraction(e, task)

	slog.Info("Retrying extraction", "id", id, "task", task)
	return e.view(), nil
}

// BeginSync submits a ready item to the configured form in the background.
// Without a form URL nothing changes and ErrNoFormURL is returned.
func (l *Ledger) BeginSync(id string) (Item, error) {
	cfg := l.config.Current()

	l.mu.Lock()
	defer l.mu.Unlock()

	e := l.find(id)
	if e == nil {
		return Item{}, fmt.Errorf("syncing %s: %w", id, ErrItemNotFound)
	}
	if !cfg.HasTarget() {
		return Item{}, ErrNoFormURL
	}
	r, ok := e.state.(ready)
	if !ok {
		return Item{}, transitionError("sync", e.state)
	}

	task := l.nextTask()
	e.state = r.sync(task)
	e.updatedAt = l.timeSource.Now()
	l.startSubmission(e, task, cfg)

	slog.Info("Submitting item", "id", id, "task", task)
	return e.view(), nil
}

// Remove deletes an item whatever its status. A task still running for it
// completes, but its outcome is discarded.
func (l *Ledger) Remove(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, e := range l.entries {
		if e.id == id {
			l.entries = slices.Delete(l.entries, i, i+1)
			slog.Info("Item removed", "id", id)
			return nil
		}
	}
	return fmt.Errorf("removing %s: %w", id, ErrItemNotFound)
}

// Get returns a snapshot of one item
func (l *Ledger) Get(id string) (Item, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := l.find(id)
	if e == nil {
		return Item{}, fmt.Errorf("getting %s: %w", id, ErrItemNotFound)
	}
	return e.view(), nil
}

// Image returns the captured payload of an item and its content type
func (l *Ledger) Image(id string) ([]byte, string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := l.find(id)
	if e == nil {
		return nil, "", fmt.Errorf("getting image %s: %w", id, ErrItemNotFound)
	}
	return e.image, e.contentType, nil
}

// List returns snapshots of all items, newest first
func (l *Ledger) List() []Item {
	l.mu.Lock()
	defer l.mu.Unlock()

	items := make([]Item, 0, len(l.entries))
	for _, e := range l.entries {
		items = append(items, e.view())
	}
	return items
}

// Pending counts the items that have not been submitted
func (l *Ledger) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for _, e := range l.entries {
		if _, done := e.state.(submitted); !done {
			n++
		}
	}
	return n
}

// apply records a task outcome. Outcomes for removed items, or for items
// that have since moved on to another task, are dropped.
func (l *Ledger) apply(out outcome) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := l.find(out.id)
	if e == nil {
		slog.Debug("Dropping outcome for removed item", "id", out.id, "stage", out.stage)
		return
	}
	p, ok := e.state.(processing)
	if !ok || !p.owns(out.stage, out.task) {
		slog.Debug("Dropping stale outcome", "id", out.id, "stage", out.stage, "task", out.task)
		return
	}

	switch {
	case out.err != nil:
		e.state = p.fail()
		slog.Error("Background task failed", "id", out.id, "stage", out.stage, "error", out.err)
	case out.stage == stageExtract:
		e.merge(out.data)
		e.state = p.extracted()
	case out.stage == stageSubmit:
		e.state = p.delivered()
	}
	e.updatedAt = l.timeSource.Now()
}

func (l *Ledger) find(id string) *entry {
	for _, e := range l.entries {
		if e.id == id {
			return e
		}
	}
	return nil
}

func (l *Ledger) nextTask() uint64 {
	l.lastTask++
	return l.lastTask
}

// startExtraction must be called with l.mu held
func (l *Ledger) startExtraction(e *entry, task uint64) {
	id, image, contentType := e.id, e.image, e.contentType
	l.dispatch(func(ctx context.Context) outcome {
		out := outcome{id: id, task: task, stage: stageExtract}
		out.data, out.err = l.scanner.ScanReceipt(ctx, image, contentType)
		if out.err == nil && out.data == nil {
			out.err = errors.New("scanner returned no data")
		}
		return out
	})
}

// startSubmission must be called with l.mu held
func (l *Ledger) startSubmission(e *entry, task uint64, cfg settings.Config) {
	id := e.id
	sub := submission.Entry{
		Amount:   e.fields.Amount,
		Merchant: e.fields.Merchant,
		Category: e.fields.Category,
	}
	l.dispatch(func(ctx context.Context) outcome {
		return outcome{
			id:    id,
			task:  task,
			stage: stageSubmit,
			err:   l.submitter.Submit(ctx, sub, cfg),
		}
	})
}

// dispatch runs fn in its own goroutine once an in-flight slot is free and
// hands the outcome to Run
func (l *Ledger) dispatch(fn func(ctx context.Context) outcome) {
	l.tasks.Add(1)
	go func() {
		if err := l.slots.Acquire(l.ctx, 1); err != nil {
			l.tasks.Done()
			return
		}
		out := fn(l.ctx)
		l.slots.Release(1)

		select {
		case l.results <- out:
		case <-l.stopped:
			l.tasks.Done()
		}
	}()
}
