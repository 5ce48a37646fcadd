// Package dispatch implements the request control loop: it consumes the
// inbound queues, validates and truncates requests, leases worker slots,
// invokes the backend, and publishes exactly one response per request.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/abdhe/llm-chat-dispatch/pkg/audit"
	"github.com/abdhe/llm-chat-dispatch/pkg/backend"
	"github.com/abdhe/llm-chat-dispatch/pkg/bus"
	"github.com/abdhe/llm-chat-dispatch/pkg/cache"
	"github.com/abdhe/llm-chat-dispatch/pkg/metrics"
	"github.com/abdhe/llm-chat-dispatch/pkg/model"
	"github.com/abdhe/llm-chat-dispatch/pkg/pool"
)

// noOptionsOpinion is returned for opinion requests carrying no options.
const noOptionsOpinion = "Sorry, but I got no options to choose from."

// Queues names the three inbound queues the dispatcher consumes.
type Queues struct {
	Ask     string
	Score   string
	Opinion string
}

// ResponseCache is the optional exact-match cache consulted for ask
// requests.
type ResponseCache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, response string) error
}

// Auditor is the optional request log.
type Auditor interface {
	Record(ctx context.Context, e audit.Entry) error
}

// Config holds the dispatcher's collaborators and limits.
type Config struct {
	Consumer  bus.Consumer
	Publisher bus.Publisher
	Pool      *pool.Pool
	Prompts   *backend.PromptBuilder
	Queues    Queues
	MaxTokens int

	// BacklogLimit caps admitted-but-unfinished requests; past it new
	// arrivals are answered immediately with a busy error. 0 disables
	// the cap.
	BacklogLimit int

	Cache ResponseCache // nil disables caching
	Audit Auditor       // nil disables the request log
}

// Dispatcher is the single consumer of the inbound queues, fanning
// requests out into the worker pool.
type Dispatcher struct {
	consumer  bus.Consumer
	publisher bus.Publisher
	pool      *pool.Pool
	prompts   *backend.PromptBuilder
	queues    Queues
	maxTokens int
	backlog   int
	cache     ResponseCache
	auditLog  Auditor

	pending atomic.Int64
	wg      sync.WaitGroup
}

// New creates a dispatcher from cfg.
func New(cfg Config) *Dispatcher {
	return &Dispatcher{
		consumer:  cfg.Consumer,
		publisher: cfg.Publisher,
		pool:      cfg.Pool,
		prompts:   cfg.Prompts,
		queues:    cfg.Queues,
		maxTokens: cfg.MaxTokens,
		backlog:   cfg.BacklogLimit,
		cache:     cfg.Cache,
		auditLog:  cfg.Audit,
	}
}

// Run consumes the three queues until ctx is cancelled. Cancellation stops
// intake only; admitted requests keep running and are awaited by Drain.
func (d *Dispatcher) Run(ctx context.Context) error {
	type consumerLoop struct {
		queue   string
		handler func(context.Context, bus.Delivery)
		ch      <-chan bus.Delivery
	}

	loops := []consumerLoop{
		{queue: d.queues.Ask, handler: d.handleAsk},
		{queue: d.queues.Score, handler: d.handleScore},
		{queue: d.queues.Opinion, handler: d.handleOpinion},
	}

	for i := range loops {
		ch, err := d.consumer.Consume(ctx, loops[i].queue)
		if err != nil {
			return fmt.Errorf("dispatch: consume %s: %w", loops[i].queue, err)
		}
		loops[i].ch = ch
	}

	var running sync.WaitGroup
	for _, l := range loops {
		running.Add(1)
		go func(l consumerLoop) {
			defer running.Done()
			for del := range l.ch {
				d.admit(ctx, l.queue, del, l.handler)
			}
		}(l)
	}
	running.Wait()
	return nil
}

// Drain waits for in-flight requests to finish, up to timeout. Requests
// still running past the grace period are abandoned to process exit.
func (d *Dispatcher) Drain(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("dispatch: %d requests still in flight after %s", d.pending.Load(), timeout)
	}
}

// admit applies the backlog bound, then hands the delivery to its handler
// on a fresh goroutine so a request waiting for a slot never blocks
// intake of later messages.
func (d *Dispatcher) admit(ctx context.Context, queue string, del bus.Delivery, handler func(context.Context, bus.Delivery)) {
	if d.backlog > 0 && d.pending.Load() >= int64(d.backlog) {
		metrics.RequestsTotal.WithLabelValues(queue, audit.StatusBusy).Inc()
		log.Printf("[dispatch] backlog full, rejecting message_id=%s on %s", del.MessageID, queue)
		d.respond(ctx, del, model.ErrorResult{Error: "server is busy, try again later"})
		d.record(ctx, audit.Entry{MessageID: del.MessageID, Queue: queue, Status: audit.StatusBusy, Error: "backlog full"})
		return
	}

	metrics.BacklogDepth.Set(float64(d.pending.Add(1)))
	d.wg.Add(1)

	// Shutdown cancels intake, not work already admitted; the backend
	// adapter's own deadline bounds each call.
	work := context.WithoutCancel(ctx)

	go func() {
		defer d.wg.Done()
		defer func() { metrics.BacklogDepth.Set(float64(d.pending.Add(-1))) }()
		handler(work, del)
	}()
}

// -----------------------------------------------------------------------
// Ask
// -----------------------------------------------------------------------

func (d *Dispatcher) handleAsk(ctx context.Context, del bus.Delivery) {
	start := time.Now()
	metrics.ActiveRequests.Inc()
	defer metrics.ActiveRequests.Dec()

	req, err := model.ParseChatRequest(del.Payload)
	if err != nil {
		d.fail(ctx, d.queues.Ask, del, "", err, start)
		return
	}

	prompt, err := d.prompts.Build(req.Query, req.History)
	if err != nil {
		d.fail(ctx, d.queues.Ask, del, req.Query, err, start)
		return
	}

	// Step 1: cache lookup
	var cacheKey string
	if d.cache != nil {
		cacheKey = cache.Key(prompt)
		text, hit, err := d.cache.Get(ctx, cacheKey)
		if err != nil {
			log.Printf("[dispatch] cache lookup error: %v", err)
		} else {
			metrics.RecordCacheLookup(hit)
			if hit {
				d.succeed(ctx, d.queues.Ask, del, req.Query, model.AskResult{Response: text}, text, audit.StatusCacheHit, start)
				return
			}
		}
	}

	// Step 2: lease a slot (FIFO behind earlier waiters)
	slot, err := d.lease(ctx)
	if err != nil {
		d.fail(ctx, d.queues.Ask, del, req.Query, err, start)
		return
	}
	defer d.pool.Release(slot)

	// Step 3: generate
	var text string
	genErr := execute(slot, func() error {
		var err error
		text, err = slot.Backend.Generate(ctx, prompt, d.maxTokens)
		return err
	})
	if genErr != nil {
		d.fail(ctx, d.queues.Ask, del, req.Query, genErr, start)
		return
	}

	// Step 4: respond, then store in cache off the request path
	d.succeed(ctx, d.queues.Ask, del, req.Query, model.AskResult{Response: text}, text, audit.StatusSuccess, start)

	if d.cache != nil {
		go func() {
			if err := d.cache.Set(context.WithoutCancel(ctx), cacheKey, text); err != nil {
				log.Printf("[dispatch] cache store error: %v", err)
			}
		}()
	}
}

// -----------------------------------------------------------------------
// Score
// -----------------------------------------------------------------------

func (d *Dispatcher) handleScore(ctx context.Context, del bus.Delivery) {
	start := time.Now()
	metrics.ActiveRequests.Inc()
	defer metrics.ActiveRequests.Dec()

	req, err := model.ParseScoreRequest(del.Payload)
	if err != nil {
		d.fail(ctx, d.queues.Score, del, "", err, start)
		return
	}

	// Nothing to rank — answer without touching the backend.
	if len(req.Responses) == 0 {
		d.succeed(ctx, d.queues.Score, del, req.Query, model.ScoreResult{SortedAnswerIndexes: []int{}}, "", audit.StatusSuccess, start)
		return
	}

	prompt, err := d.prompts.Build(req.Query, nil)
	if err != nil {
		d.fail(ctx, d.queues.Score, del, req.Query, err, start)
		return
	}

	slot, err := d.lease(ctx)
	if err != nil {
		d.fail(ctx, d.queues.Score, del, req.Query, err, start)
		return
	}
	defer d.pool.Release(slot)

	var indexes []int
	genErr := execute(slot, func() error {
		var err error
		indexes, err = backend.RankAnswers(ctx, slot.Backend, prompt, req.Responses)
		return err
	})
	if genErr != nil {
		d.fail(ctx, d.queues.Score, del, req.Query, genErr, start)
		return
	}

	d.succeed(ctx, d.queues.Score, del, req.Query, model.ScoreResult{SortedAnswerIndexes: indexes}, "", audit.StatusSuccess, start)
}

// -----------------------------------------------------------------------
// Opinion
// -----------------------------------------------------------------------

func (d *Dispatcher) handleOpinion(ctx context.Context, del bus.Delivery) {
	start := time.Now()
	metrics.ActiveRequests.Inc()
	defer metrics.ActiveRequests.Dec()

	req, err := model.ParseOpinionRequest(del.Payload)
	if err != nil {
		d.fail(ctx, d.queues.Opinion, del, "", err, start)
		return
	}

	if len(req.Options) == 0 {
		d.succeed(ctx, d.queues.Opinion, del, req.Query, model.OpinionResult{Opinion: noOptionsOpinion}, noOptionsOpinion, audit.StatusSuccess, start)
		return
	}

	// Options arrive as a JSON object; fix an order before ranking.
	nicks := make([]string, 0, len(req.Options))
	for nick := range req.Options {
		nicks = append(nicks, nick)
	}
	sort.Strings(nicks)
	answers := make([]string, len(nicks))
	for i, nick := range nicks {
		answers[i] = req.Options[nick]
	}

	prompt, err := d.prompts.Build(req.Query, nil)
	if err != nil {
		d.fail(ctx, d.queues.Opinion, del, req.Query, err, start)
		return
	}

	slot, err := d.lease(ctx)
	if err != nil {
		d.fail(ctx, d.queues.Opinion, del, req.Query, err, start)
		return
	}
	defer d.pool.Release(slot)

	var opinion string
	genErr := execute(slot, func() error {
		indexes, err := backend.RankAnswers(ctx, slot.Backend, prompt, answers)
		if err != nil {
			return err
		}
		best := indexes[0]

		opinionQuery := fmt.Sprintf("Why Answer %q to the Question %q generated by Bot named %q is good?",
			answers[best], req.Query, nicks[best])
		opinionPrompt, err := d.prompts.Build(opinionQuery, nil)
		if err != nil {
			return err
		}

		opinion, err = slot.Backend.Generate(ctx, opinionPrompt, d.maxTokens)
		return err
	})
	if genErr != nil {
		d.fail(ctx, d.queues.Opinion, del, req.Query, genErr, start)
		return
	}

	d.succeed(ctx, d.queues.Opinion, del, req.Query, model.OpinionResult{Opinion: opinion}, opinion, audit.StatusSuccess, start)
}

// -----------------------------------------------------------------------
// Shared plumbing
// -----------------------------------------------------------------------

// lease acquires a slot, recording how long the request waited for it.
func (d *Dispatcher) lease(ctx context.Context) (*pool.Slot, error) {
	waitStart := time.Now()
	slot, err := d.pool.Lease(ctx)
	metrics.SlotWaitSeconds.Observe(time.Since(waitStart).Seconds())
	return slot, err
}

// execute runs fn through the slot's circuit breaker when it has one.
func execute(s *pool.Slot, fn func() error) error {
	if s.Breaker == nil {
		return fn()
	}
	return s.Breaker.Execute(fn)
}

// succeed publishes a success payload and records the outcome.
func (d *Dispatcher) succeed(ctx context.Context, queue string, del bus.Delivery, query string, payload any, responseText, status string, start time.Time) {
	d.respond(ctx, del, payload)

	latency := time.Since(start)
	metrics.RequestsTotal.WithLabelValues(queue, status).Inc()
	metrics.RequestLatency.WithLabelValues(queue, status).Observe(latency.Seconds())
	d.record(ctx, audit.Entry{
		MessageID: del.MessageID,
		Queue:     queue,
		Query:     query,
		Response:  responseText,
		Status:    status,
		Latency:   latency,
	})
	log.Printf("[dispatch] handled message_id=%s on %s in %s", del.MessageID, queue, latency.Round(time.Millisecond))
}

// fail publishes an error payload and records the outcome. Per-request
// errors stop here: nothing is retried and nothing propagates further.
func (d *Dispatcher) fail(ctx context.Context, queue string, del bus.Delivery, query string, cause error, start time.Time) {
	status := audit.StatusError
	if errors.Is(cause, model.ErrMalformedRequest) {
		status = audit.StatusMalformed
	}

	d.respond(ctx, del, model.ErrorResult{Error: cause.Error()})

	latency := time.Since(start)
	metrics.RequestsTotal.WithLabelValues(queue, status).Inc()
	metrics.RequestLatency.WithLabelValues(queue, status).Observe(latency.Seconds())
	d.record(ctx, audit.Entry{
		MessageID: del.MessageID,
		Queue:     queue,
		Query:     query,
		Status:    status,
		Error:     cause.Error(),
		Latency:   latency,
	})
	log.Printf("[dispatch] request message_id=%s on %s failed: %v", del.MessageID, queue, cause)
}

// respond publishes one payload correlated to del. A failed publish means
// the request is lost; it is logged and counted, never re-queued.
func (d *Dispatcher) respond(ctx context.Context, del bus.Delivery, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		metrics.LostResponsesTotal.Inc()
		log.Printf("[dispatch] response for message_id=%s lost: marshal: %v", del.MessageID, err)
		return
	}

	err = d.publisher.Publish(ctx, del.ReplyTo, bus.Delivery{
		MessageID: del.MessageID,
		ReplyTo:   del.ReplyTo,
		Payload:   data,
	})
	if err != nil {
		metrics.LostResponsesTotal.Inc()
		log.Printf("[dispatch] response for message_id=%s lost: %v", del.MessageID, err)
	}
}

// record writes an audit row when the request log is enabled.
func (d *Dispatcher) record(ctx context.Context, e audit.Entry) {
	if d.auditLog == nil {
		return
	}
	if err := d.auditLog.Record(ctx, e); err != nil {
		log.Printf("[dispatch] audit: %v", err)
	}
}
