package netquality

import "sync"

// Event is a push notification from the platform about connectivity.
type Event int

const (
	EventOnline Event = iota + 1
	EventOffline
	EventInfoChanged
)

func (e Event) String() string {
	switch e {
	case EventOnline:
		return "online"
	case EventOffline:
		return "offline"
	case EventInfoChanged:
		return "info_changed"
	default:
		return "unknown"
	}
}

// Signals is the platform surface the monitor reads from. Info returns false
// when the platform exposes no network-information capability.
type Signals interface {
	Online() bool
	Info() (NetworkInfo, bool)
}

// Notifier is implemented by Signals sources that can push change events.
type Notifier interface {
	OnChange(fn func(Event))
}

// ManualSignals is a Signals source fed by the host application. It starts
// online with no capability report.
type ManualSignals struct {
	mu        sync.RWMutex
	online    bool
	info      NetworkInfo
	hasInfo   bool
	listeners []func(Event)
}

func NewManualSignals() *ManualSignals {
	return &ManualSignals{online: true}
}

func (s *ManualSignals) Online() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.online
}

func (s *ManualSignals) Info() (NetworkInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.info, s.hasInfo
}

// SetOnline records the connectivity state and notifies listeners when it
// changed.
func (s *ManualSignals) SetOnline(online bool) {
	s.mu.Lock()
	changed := s.online != online
	s.online = online
	listeners := s.snapshotListeners()
	s.mu.Unlock()
	if !changed {
		return
	}
	ev := EventOffline
	if online {
		ev = EventOnline
	}
	for _, fn := range listeners {
		fn(ev)
	}
}

// SetInfo replaces the capability report.
func (s *ManualSignals) SetInfo(info NetworkInfo) {
	s.mu.Lock()
	s.info = info
	s.hasInfo = true
	listeners := s.snapshotListeners()
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(EventInfoChanged)
	}
}

// ClearInfo simulates a platform without the capability.
func (s *ManualSignals) ClearInfo() {
	s.mu.Lock()
	s.info = NetworkInfo{}
	s.hasInfo = false
	listeners := s.snapshotListeners()
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(EventInfoChanged)
	}
}

func (s *ManualSignals) OnChange(fn func(Event)) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// snapshotListeners must be called with s.mu held.
func (s *ManualSignals) snapshotListeners() []func(Event) {
	out := make([]func(Event), len(s.listeners))
	copy(out, s.listeners)
	return out
}
