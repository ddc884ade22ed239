package editor

import (
	"context"
	"log"
	"sync"
	"time"

	"partyjournal/api/internal/notes"
)

// State of an editing session. Remote pushes are only adopted in StateIdle;
// every other state means local keystrokes are in flight and win.
type State int

const (
	StateIdle State = iota
	StateEditing
	StateSaving
	StateSavingWhileEditing
)

const (
	// DefaultDebounce is the quiet period after the last keystroke before a
	// save pass runs.
	DefaultDebounce = 300 * time.Millisecond
	// DefaultGrace absorbs keystrokes still in flight after a successful save
	// before remote pushes are allowed again.
	DefaultGrace = 50 * time.Millisecond
)

// Session reconciles one open note. Keystrokes arrive via SetText, backend
// pushes via ApplyRemote; the session debounces outbound writes and guards
// the local buffer against remote overwrite while its author is typing.
type Session struct {
	noteID    string
	updatedBy string
	store     BlockStore
	debounce  time.Duration
	grace     time.Duration

	// onRemoteText is invoked (without the lock held) whenever a remote push
	// replaces the local buffer.
	onRemoteText func(string)

	mu      sync.Mutex
	state   State
	text    string
	blocks  []notes.Block
	loaded  bool
	pending bool // a debounce fired while a save was in flight
	timer   *time.Timer
	closed  bool
}

// Config tunes a session; zero values fall back to the defaults.
type Config struct {
	Debounce     time.Duration
	Grace        time.Duration
	OnRemoteText func(string)
}

func NewSession(store BlockStore, noteID, updatedBy string, cfg Config) *Session {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultGrace
	}
	if cfg.OnRemoteText == nil {
		cfg.OnRemoteText = func(string) {}
	}
	return &Session{
		noteID:       noteID,
		updatedBy:    updatedBy,
		store:        store,
		debounce:     cfg.Debounce,
		grace:        cfg.Grace,
		onRemoteText: cfg.OnRemoteText,
	}
}

// Text returns the current local buffer.
func (s *Session) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text
}

// State returns the current machine state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetText records a keystroke: the buffer is replaced and the debounce timer
// restarted.
func (s *Session) SetText(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.text = text
	switch s.state {
	case StateIdle, StateEditing:
		s.state = StateEditing
	case StateSaving:
		s.state = StateSavingWhileEditing
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.debounce, s.debounceFired)
}

// debounceFired moves an editing session into a save pass. If a save is
// already in flight the pass is deferred until it completes.
func (s *Session) debounceFired() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	switch s.state {
	case StateEditing:
		s.state = StateSaving
		text := s.text
		blocks := s.blocks
		s.mu.Unlock()
		s.savePass(text, blocks)
		return
	case StateSavingWhileEditing:
		s.pending = true
	}
	s.mu.Unlock()
}

func (s *Session) savePass(text string, blocks []notes.Block) {
	err := Reconcile(context.Background(), s.store, s.noteID, s.updatedBy, text, blocks)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if err != nil {
		// Abort the pass without clearing the typing state: the next edit
		// retries instead of letting a remote push clobber the buffer.
		log.Printf("editor: save pass for %s failed: %v", s.noteID, err)
		s.state = StateEditing
		return
	}

	if s.state == StateSavingWhileEditing || s.pending {
		s.state = StateEditing
		s.pending = false
		if s.timer != nil {
			s.timer.Stop()
		}
		s.timer = time.AfterFunc(s.debounce, s.debounceFired)
		return
	}

	// Buffer unchanged since the pass began: release the typing guard after a
	// short grace window for trailing keystrokes.
	saved := text
	time.AfterFunc(s.grace, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if !s.closed && s.state == StateSaving && s.text == saved {
			s.state = StateIdle
		}
	})
}

// ApplyRemote feeds a backend push into the session. The last-known block
// list is always refreshed; the text buffer is only replaced on first load,
// while it is still empty, or when the session is idle. Pushes arriving while
// the author types are dropped: last typing writer wins.
func (s *Session) ApplyRemote(blocks []notes.Block) {
	s.mu.Lock()
	s.blocks = blocks
	joined := JoinBlocks(blocks)

	firstLoad := !s.loaded || s.text == ""
	s.loaded = true

	adopt := false
	if firstLoad {
		adopt = joined != s.text
	} else if s.state == StateIdle && joined != s.text {
		adopt = true
	}
	if !adopt {
		s.mu.Unlock()
		return
	}
	s.text = joined
	notifyFn := s.onRemoteText
	s.mu.Unlock()

	notifyFn(joined)
}

// Flush runs one save pass synchronously against the current buffer,
// regardless of timers. Used when a client hands over a full buffer in one
// request.
func (s *Session) Flush(ctx context.Context) error {
	s.mu.Lock()
	text := s.text
	blocks := s.blocks
	s.mu.Unlock()
	return Reconcile(ctx, s.store, s.noteID, s.updatedBy, text, blocks)
}

// Close stops timers; in-flight writes are not retracted.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
