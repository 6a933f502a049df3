package domain

import "errors"

// ErrorCode identifies failures surfaced to the UI.
type ErrorCode string

const (
	ErrorCodeStartup           ErrorCode = "startup"
	ErrorCodeCapture           ErrorCode = "capture"
	ErrorCodeAudio             ErrorCode = "audio"
	ErrorCodeRecognition       ErrorCode = "recognition"
	ErrorCodeRules             ErrorCode = "rules"
	ErrorCodeGeneration        ErrorCode = "generation"
	ErrorCodeGenerationTimeout ErrorCode = "generation_timeout"
	ErrorCodeStore             ErrorCode = "store"
	ErrorCodeSynthesis         ErrorCode = "synthesis"
)

var (
	// ErrCaptureUnavailable is returned by screen sources that cannot grab a frame.
	ErrCaptureUnavailable = errors.New("screen capture unavailable")
	// ErrExtraction is returned by text extractors.
	ErrExtraction = errors.New("text extraction failed")
	// ErrListenTimeout is returned when no speech starts within the listen window.
	ErrListenTimeout = errors.New("no speech before timeout")
	// ErrRecognition is returned by speech recognizers.
	ErrRecognition = errors.New("speech recognition failed")
	// ErrGeneration is returned by model clients.
	ErrGeneration = errors.New("generation failed")
	// ErrGenerationTimeout marks a request that hit its hard deadline.
	ErrGenerationTimeout = errors.New("generation deadline exceeded")
	// ErrStoreWrite wraps persistence failures.
	ErrStoreWrite = errors.New("store write failed")
	// ErrNoActiveSession is returned when cancelling without a voice session.
	ErrNoActiveSession = errors.New("no active voice session")
	// ErrShutdown is returned for commands issued after shutdown began.
	ErrShutdown = errors.New("assistant is shutting down")
	// ErrEmptyInput rejects blank intake text.
	ErrEmptyInput = errors.New("input text is empty")
)
