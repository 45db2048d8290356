package transport

import "sync"

// Feed serializes deliveries to a single subscriber on its own goroutine.
//
// Backends push snapshots in commit order; the feed hands them to the
// callbacks one at a time, so a slow subscriber never blocks the store.
// Feed implements Subscription.
type Feed struct {
	onChange func(Snapshot)
	onError  func(error)

	mu     sync.Mutex
	queue  []Snapshot
	failed error

	notify chan struct{}
	done   chan struct{}
	once   sync.Once
}

// NewFeed starts a delivery goroutine for the given callbacks.
// onError may be nil.
func NewFeed(onChange func(Snapshot), onError func(error)) *Feed {
	f := &Feed{
		onChange: onChange,
		onError:  onError,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go f.run()
	return f
}

// Push queues a snapshot for delivery. It never blocks.
func (f *Feed) Push(s Snapshot) {
	f.mu.Lock()
	if f.failed != nil || f.isDone() {
		f.mu.Unlock()
		return
	}
	f.queue = append(f.queue, s)
	f.mu.Unlock()
	f.wake()
}

// Fail delivers err after any queued snapshots and ends the feed.
func (f *Feed) Fail(err error) {
	f.mu.Lock()
	if f.failed != nil || f.isDone() {
		f.mu.Unlock()
		return
	}
	f.failed = err
	f.mu.Unlock()
	f.wake()
}

// Cancel stops delivery. Snapshots still queued are dropped.
func (f *Feed) Cancel() {
	f.once.Do(func() { close(f.done) })
}

// Done is closed once the feed is cancelled or has failed.
func (f *Feed) Done() <-chan struct{} {
	return f.done
}

func (f *Feed) isDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

func (f *Feed) wake() {
	select {
	case f.notify <- struct{}{}:
	default:
	}
}

func (f *Feed) run() {
	for {
		select {
		case <-f.done:
			return
		case <-f.notify:
		}

		for {
			f.mu.Lock()
			if len(f.queue) == 0 {
				err := f.failed
				f.mu.Unlock()
				if err != nil {
					if !f.isDone() && f.onError != nil {
						f.onError(err)
					}
					f.Cancel()
					return
				}
				break
			}
			next := f.queue[0]
			f.queue = f.queue[1:]
			f.mu.Unlock()

			if f.isDone() {
				return
			}
			f.onChange(next)
		}
	}
}
