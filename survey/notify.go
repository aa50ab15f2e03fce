package survey

import "sync"

// Notifier fans out "state changed, re-read" signals. Each subscriber channel
// holds at most one pending signal; further signals coalesce into it.
type Notifier struct {
	mu   sync.Mutex
	subs []chan struct{}
}

func NewNotifier() *Notifier { return &Notifier{} }

func (n *Notifier) Subscribe() <-chan struct{} {
	ch := make(chan struct{}, 1)
	n.mu.Lock()
	n.subs = append(n.subs, ch)
	n.mu.Unlock()
	return ch
}

// Notify never blocks.
func (n *Notifier) Notify() {
	if n == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
