package usecase

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sage/internal/domain"
	"sage/internal/ports"
)

var errRequestSuperseded = errors.New("generation request no longer active")

// CoordinatorConfig controls outbound generation requests.
type CoordinatorConfig struct {
	// Timeout is the hard deadline of one request, retries included.
	Timeout time.Duration
	// MaxAttempts bounds connection attempts made before any fragment arrives.
	MaxAttempts int
	Backoff     time.Duration
}

// GenerationResult is the terminal outcome of one request. Text holds the
// full reply when completed and whatever was relayed otherwise.
type GenerationResult struct {
	RequestID string
	Status    domain.GenerationStatus
	Text      string
	Code      domain.ErrorCode
	Err       error
	Attempts  int
	Elapsed   time.Duration
}

// GenerationListener receives coordinator output. Fragments of a request are
// delivered in order and always before its result. Exactly one result is
// delivered per request.
type GenerationListener interface {
	GenerationFragment(requestID string, fragment string)
	GenerationDone(result GenerationResult)
}

type generationRequest struct {
	id        string
	cancel    context.CancelFunc
	status    atomic.Value
	startedAt time.Time
	done      chan struct{}

	// emitMu makes the status check and the fragment hand-off one step, so
	// no fragment is relayed once a cancel has settled the request.
	emitMu sync.Mutex

	// result is written once before concluded is closed.
	result    GenerationResult
	concluded chan struct{}
}

func (r *generationRequest) getStatus() domain.GenerationStatus {
	return r.status.Load().(domain.GenerationStatus)
}

// settle moves a live request to a terminal status. Only one caller wins.
func (r *generationRequest) settle(to domain.GenerationStatus) bool {
	return r.status.CompareAndSwap(domain.GenerationStreaming, to) ||
		r.status.CompareAndSwap(domain.GenerationPending, to)
}

// Coordinator runs at most one generation request at a time.
type Coordinator struct {
	client   ports.ModelClient
	listener GenerationListener
	cfg      CoordinatorConfig
	logger   *zap.Logger
	now      func() time.Time

	mu     sync.Mutex
	active *generationRequest
	wg     sync.WaitGroup
}

func NewCoordinator(client ports.ModelClient, listener GenerationListener, cfg CoordinatorConfig, logger *zap.Logger) *Coordinator {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		client:   client,
		listener: listener,
		cfg:      cfg,
		logger:   logger.Named("coordinator"),
		now:      time.Now,
	}
}

// Start cancels any active request and begins a new one. It does not block:
// the new request waits for the previous one to unwind before it connects.
// An empty id is replaced with a generated one.
func (c *Coordinator) Start(ctx context.Context, id string, payload domain.PromptPayload) string {
	if id == "" {
		id = uuid.NewString()
	}

	var reqCtx context.Context
	var cancel context.CancelFunc
	if c.cfg.Timeout > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
	} else {
		reqCtx, cancel = context.WithCancel(ctx)
	}
	req := &generationRequest{
		id:        id,
		cancel:    cancel,
		startedAt: c.now(),
		done:      make(chan struct{}),
		concluded: make(chan struct{}),
	}
	req.status.Store(domain.GenerationPending)

	c.mu.Lock()
	previous := c.active
	c.active = req
	c.wg.Add(1)
	c.mu.Unlock()

	if previous != nil {
		c.cancelRequest(previous)
	}

	go c.run(reqCtx, req, previous, payload)
	return id
}

// Stop cancels the active request without waiting for it. It reports whether
// a live request was cancelled.
func (c *Coordinator) Stop() bool {
	c.mu.Lock()
	req := c.active
	c.mu.Unlock()
	if req == nil {
		return false
	}
	return c.cancelRequest(req)
}

// Interrupt cancels the active request like Stop. When that request already
// finished on its own, Interrupt returns its result instead so the caller can
// apply it before anything newer. The same result is still delivered to the
// listener afterwards.
func (c *Coordinator) Interrupt() (GenerationResult, bool) {
	c.mu.Lock()
	req := c.active
	c.mu.Unlock()
	if req == nil || c.cancelRequest(req) {
		return GenerationResult{}, false
	}
	if req.getStatus() == domain.GenerationCancelled {
		return GenerationResult{}, false
	}
	// Completed and failed are only reached inside conclude, so the result
	// is moments away.
	<-req.concluded
	return req.result, true
}

// Active returns the id and status of the most recent request that has not
// reached a terminal state.
func (c *Coordinator) Active() (string, domain.GenerationStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return "", "", false
	}
	status := c.active.getStatus()
	if status.Terminal() {
		return "", "", false
	}
	return c.active.id, status, true
}

// Wait blocks until every request goroutine has returned.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

func (c *Coordinator) cancelRequest(req *generationRequest) bool {
	req.emitMu.Lock()
	cancelled := req.settle(domain.GenerationCancelled)
	req.emitMu.Unlock()
	req.cancel()
	if cancelled {
		c.logger.Debug("generation cancelled", zap.String("request_id", req.id))
	}
	return cancelled
}

func (c *Coordinator) run(ctx context.Context, req *generationRequest, previous *generationRequest, payload domain.PromptPayload) {
	defer c.wg.Done()
	defer close(req.done)
	defer req.cancel()

	if previous != nil {
		select {
		case <-previous.done:
		case <-ctx.Done():
		}
	}

	var text strings.Builder
	relay := func(fragment string) error {
		if fragment == "" {
			return nil
		}
		req.emitMu.Lock()
		defer req.emitMu.Unlock()
		req.status.CompareAndSwap(domain.GenerationPending, domain.GenerationStreaming)
		if req.getStatus() != domain.GenerationStreaming {
			return errRequestSuperseded
		}
		text.WriteString(fragment)
		c.listener.GenerationFragment(req.id, fragment)
		return nil
	}

	attempts, err := c.stream(ctx, req, payload, relay, &text)
	req.result = c.conclude(ctx, req, text.String(), attempts, err)
	close(req.concluded)
	c.listener.GenerationDone(req.result)
}

func (c *Coordinator) stream(
	ctx context.Context,
	req *generationRequest,
	payload domain.PromptPayload,
	relay func(string) error,
	text *strings.Builder,
) (int, error) {
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return attempt, err
		}
		attempt++

		final, err := c.client.Stream(ctx, payload, relay)
		if err == nil {
			if text.Len() == 0 && final != "" {
				// Clients that answer in one piece still count as a fragment.
				if relayErr := relay(final); relayErr != nil {
					return attempt, relayErr
				}
			}
			return attempt, nil
		}
		if ctx.Err() != nil || text.Len() > 0 || attempt >= c.cfg.MaxAttempts {
			return attempt, err
		}

		delay := c.cfg.Backoff * time.Duration(attempt)
		c.logger.Warn("generation attempt failed, retrying",
			zap.String("request_id", req.id),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
			case <-timer.C:
			}
		}
	}
}

func (c *Coordinator) conclude(ctx context.Context, req *generationRequest, text string, attempts int, err error) GenerationResult {
	result := GenerationResult{
		RequestID: req.id,
		Text:      text,
		Attempts:  attempts,
		Elapsed:   c.now().Sub(req.startedAt),
	}

	switch {
	case err == nil && text != "":
		if req.settle(domain.GenerationCompleted) {
			result.Status = domain.GenerationCompleted
			return result
		}
	case err == nil:
		err = errors.New("model returned no text")
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) && req.settle(domain.GenerationFailed) {
		result.Status = domain.GenerationFailed
		result.Code = domain.ErrorCodeGenerationTimeout
		result.Err = domain.ErrGenerationTimeout
		return result
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		req.settle(domain.GenerationCancelled)
	}
	if req.settle(domain.GenerationFailed) {
		result.Status = domain.GenerationFailed
		result.Code = domain.ErrorCodeGeneration
		if !errors.Is(err, domain.ErrGeneration) {
			err = errors.Join(domain.ErrGeneration, err)
		}
		result.Err = err
		return result
	}

	result.Status = req.getStatus()
	result.Err = context.Canceled
	return result
}
