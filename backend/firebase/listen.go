package firebase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"xtodo/backend"
	"xtodo/internal/utils"
)

// poller emulates a Firestore snapshot listener by re-running the query on an
// interval and after every local write. Only changed result sets are delivered,
// plus the first result after a failed poll.
type poller struct {
	q      backend.Query
	onNext func([]backend.Task)
	onErr  func(error)

	wake    chan struct{}
	done    chan struct{}
	once    sync.Once
	last    []backend.Task
	started bool
	failing bool
}

func (p *poller) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *poller) stop() {
	p.once.Do(func() { close(p.done) })
}

func (b *Backend) runPoller(p *poller, interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-p.done
		cancel()
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-p.wake:
		case <-ticker.C:
		}

		tasks, err := b.queryTasks(ctx, p.q)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			// Report once per failure streak; polling continues.
			if !p.failing {
				utils.GetLogger().Warn("live query poll failed", "component", "firebase", "err", err)
				if p.onErr != nil {
					p.onErr(err)
				}
			}
			p.failing = true
			continue
		}
		// The first result after a failure is delivered even when unchanged,
		// so subscribers can clear the error.
		recovered := p.failing
		p.failing = false
		if p.started && !recovered && backend.EqualTasks(p.last, tasks) {
			continue
		}
		p.started = true
		p.last = tasks
		p.onNext(tasks)
	}
}

// changed triggers an immediate poll of every live query.
func (b *Backend) changed() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range b.listeners {
		p.signal()
	}
}

// Listen implements backend.Tasks.
func (b *Backend) Listen(ctx context.Context, q backend.Query, onNext func([]backend.Task), onErr func(error)) (backend.Unsubscribe, error) {
	if q.OwnerID == "" {
		return nil, backend.ErrNotSignedIn
	}

	p := &poller{
		q:      q,
		onNext: onNext,
		onErr:  onErr,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("backend is closed")
	}
	id := b.nextID
	b.nextID++
	b.listeners[id] = p
	b.mu.Unlock()

	p.signal()
	go b.runPoller(p, b.cfg.PollInterval)

	return func() {
		b.mu.Lock()
		delete(b.listeners, id)
		b.mu.Unlock()
		p.stop()
	}, nil
}
