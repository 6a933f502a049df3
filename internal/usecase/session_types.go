package usecase

import (
	"sync"
	"time"

	"sage/internal/domain"
)

type voiceRun struct {
	cancel    func()
	startedAt time.Time

	stateMu    sync.Mutex
	state      domain.VoiceState
	superseded bool

	done chan struct{}
}

func newVoiceRun(cancel func(), startedAt time.Time) *voiceRun {
	return &voiceRun{
		cancel:    cancel,
		startedAt: startedAt,
		state:     domain.VoiceStateListening,
		done:      make(chan struct{}),
	}
}

func (r *voiceRun) setState(state domain.VoiceState) {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	r.state = state
}

func (r *voiceRun) getState() domain.VoiceState {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return r.state
}

// supersede marks a run replaced by a newer one; it ends without a final
// idle transition.
func (r *voiceRun) supersede() {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	r.superseded = true
}

func (r *voiceRun) isSuperseded() bool {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return r.superseded
}
