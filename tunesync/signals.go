package tunesync

import "sync"

// Topics for reactive completion signals. Consumers subscribe to a domain
// topic and re-read local data when it fires; they never see the engine's
// internals.
const (
	TopicTune     = "tune"
	TopicPlaylist = "playlist"
	TopicPractice = "practice"
	TopicSync     = "sync"
)

// topicForTable maps a synchronizable table to its domain topic.
func topicForTable(table string) string {
	switch table {
	case TableTune, TableTuneOverride:
		return TopicTune
	case TablePlaylist, TablePlaylistTune:
		return TopicPlaylist
	case TablePracticeRecord:
		return TopicPractice
	default:
		return TopicSync
	}
}

// SignalHub is a publish/subscribe channel per data domain. Publishes are
// non-blocking against 1-buffered subscriber channels, so multiple rapid
// local writes collapse into at most one pending notification per
// subscriber; subscribers added after an emission do not receive it.
type SignalHub struct {
	mu     sync.Mutex
	subs   map[string]map[int]chan struct{}
	nextID int
}

// Subscription is one subscriber's view of a topic.
type Subscription struct {
	C      <-chan struct{}
	cancel func()
}

// Cancel removes the subscription. Safe to call more than once.
func (s *Subscription) Cancel() { s.cancel() }

// NewSignalHub creates an empty hub.
func NewSignalHub() *SignalHub {
	return &SignalHub{subs: make(map[string]map[int]chan struct{})}
}

// Subscribe registers interest in a topic. The returned channel receives at
// most one pending notification however many publishes occur before the
// subscriber drains it.
func (h *SignalHub) Subscribe(topic string) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.subs[topic] == nil {
		h.subs[topic] = make(map[int]chan struct{})
	}
	id := h.nextID
	h.nextID++
	ch := make(chan struct{}, 1)
	h.subs[topic][id] = ch

	var once sync.Once
	return &Subscription{
		C: ch,
		cancel: func() {
			once.Do(func() {
				h.mu.Lock()
				defer h.mu.Unlock()
				delete(h.subs[topic], id)
			})
		},
	}
}

// Publish notifies all current subscribers of a topic. Never blocks: a
// subscriber with a notification already pending is left as is.
func (h *SignalHub) Publish(topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, ch := range h.subs[topic] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
