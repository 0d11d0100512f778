package events

import (
	"context"
	"sync/atomic"

	"github.com/Sh00ty/indexer-agent/pkg/indexing"
)

// ChanNotifier hands changed actions to the publisher and pokes whoever waits
// for newly approved work.
type ChanNotifier struct {
	eventChan  chan indexing.Action
	closed     atomic.Bool
	close      chan struct{}
	onApproved []func()
}

func NewNotifier(buf int, onApproved ...func()) *ChanNotifier {
	return &ChanNotifier{
		eventChan:  make(chan indexing.Action, buf),
		close:      make(chan struct{}),
		onApproved: onApproved,
	}
}

func (n *ChanNotifier) ActionsChanged(ctx context.Context, actions []indexing.Action) {
	approved := false
	for _, a := range actions {
		if a.Status == indexing.ActionApproved {
			approved = true
		}
		n.push(ctx, a)
	}
	if approved {
		for _, wake := range n.onApproved {
			wake()
		}
	}
}

func (n *ChanNotifier) push(ctx context.Context, a indexing.Action) {
	if n.closed.Load() {
		return
	}
	select {
	case n.eventChan <- a:
	case <-n.close:
	case <-ctx.Done():
	}
}

func (n *ChanNotifier) Events() <-chan indexing.Action {
	return n.eventChan
}

// Done is closed once the notifier stops accepting events.
func (n *ChanNotifier) Done() <-chan struct{} {
	return n.close
}

func (n *ChanNotifier) Close() {
	if n.closed.Swap(true) {
		return
	}
	close(n.close)
}
