package usecase

import (
	"context"
	"time"

	"go.uber.org/zap"

	"sage/internal/domain"
	"sage/internal/ports"
)

// CaptureConfig controls screen sampling.
type CaptureConfig struct {
	Interval            time.Duration
	MaxInterval         time.Duration
	ConfidenceThreshold float64
	// CycleTimeout bounds one capture plus extraction.
	CycleTimeout time.Duration
}

// CaptureLoop samples the screen and emits a ScreenContext only when the
// extracted text changes and is confident enough.
type CaptureLoop struct {
	source    ports.ScreenSource
	extractor ports.TextExtractor
	emit      func(context.Context, domain.ScreenContext) error
	cfg       CaptureConfig
	logger    *zap.Logger
	now       func() time.Time

	lastFingerprint string
	interval        time.Duration
	triggers        chan chan bool
}

func NewCaptureLoop(
	source ports.ScreenSource,
	extractor ports.TextExtractor,
	emit func(context.Context, domain.ScreenContext) error,
	cfg CaptureConfig,
	logger *zap.Logger,
) *CaptureLoop {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.MaxInterval < cfg.Interval {
		cfg.MaxInterval = cfg.Interval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CaptureLoop{
		source:    source,
		extractor: extractor,
		emit:      emit,
		cfg:       cfg,
		logger:    logger.Named("capture"),
		now:       time.Now,
		interval:  cfg.Interval,
		triggers:  make(chan chan bool),
	}
}

// Run samples until ctx is cancelled. The first cycle runs immediately.
func (l *CaptureLoop) Run(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		var reply chan bool
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		case reply = <-l.triggers:
		}

		emitted := l.Cycle(ctx)
		switch {
		case emitted:
			l.interval = l.cfg.Interval
		case reply == nil:
			l.interval = l.nextInterval()
		}
		if reply != nil {
			reply <- emitted
		}
		timer.Reset(l.interval)
	}
}

// Trigger runs one cycle on the Run goroutine right away and reports whether
// a context was emitted. An unchanged screen does not slow the schedule.
func (l *CaptureLoop) Trigger(ctx context.Context) (bool, error) {
	reply := make(chan bool, 1)
	select {
	case l.triggers <- reply:
	case <-ctx.Done():
		return false, ctx.Err()
	}
	select {
	case emitted := <-reply:
		return emitted, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Interval returns the delay before the next cycle.
func (l *CaptureLoop) Interval() time.Duration {
	return l.interval
}

func (l *CaptureLoop) nextInterval() time.Duration {
	next := time.Duration(float64(l.interval) * 1.5)
	if next > l.cfg.MaxInterval {
		return l.cfg.MaxInterval
	}
	return next
}

// Cycle runs one capture and reports whether a context was emitted. Every
// failure is a skipped observation.
func (l *CaptureLoop) Cycle(ctx context.Context) bool {
	cycleCtx := ctx
	if l.cfg.CycleTimeout > 0 {
		var cancel context.CancelFunc
		cycleCtx, cancel = context.WithTimeout(ctx, l.cfg.CycleTimeout)
		defer cancel()
	}

	frame, err := l.source.Capture(cycleCtx)
	if err != nil {
		l.logger.Debug("no observation", zap.String("stage", "capture"), zap.Error(err))
		return false
	}
	extraction, err := l.extractor.Extract(cycleCtx, frame)
	if err != nil {
		l.logger.Debug("no observation", zap.String("stage", "extract"), zap.Error(err))
		return false
	}

	text := CleanText(extraction.Text)
	if text == "" {
		return false
	}
	if extraction.Confidence < l.cfg.ConfidenceThreshold {
		l.logger.Debug("low confidence extraction", zap.Float64("confidence", extraction.Confidence))
		return false
	}
	fingerprint := Fingerprint(text)
	if fingerprint == l.lastFingerprint {
		return false
	}

	ts := frame.CapturedAt
	if ts.IsZero() {
		ts = l.now()
	}
	sc := domain.ScreenContext{
		Timestamp:   ts,
		Text:        text,
		Confidence:  extraction.Confidence,
		Region:      frame.Region,
		Fingerprint: fingerprint,
	}
	if err := l.emit(ctx, sc); err != nil {
		l.logger.Debug("context not delivered", zap.Error(err))
		return false
	}
	l.lastFingerprint = fingerprint
	return true
}
