package location

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrNoFix is returned when no location has been observed yet.
	ErrNoFix = errors.New("no location fix available")
	// ErrNotAuthorized is returned when the process may not access the location source.
	ErrNotAuthorized = errors.New("location access not authorized")
	// ErrProviderClosed is returned by a provider after Close.
	ErrProviderClosed = errors.New("location provider is closed")
)

// Handler receives location updates.
type Handler func(Location)

// Subscription is a standing registration for location updates.
type Subscription interface {
	// Cancel stops delivery. It is safe to call more than once.
	Cancel()
}

// Provider interface defines the methods for location providers
type Provider interface {
	// LastKnown returns the most recent fix, waiting at most until ctx is done.
	LastKnown(ctx context.Context) (Location, error)
	// Subscribe registers handler for every new fix until the subscription is cancelled.
	Subscribe(ctx context.Context, handler Handler) (Subscription, error)
	Close() error
}

type subscription struct {
	once   sync.Once
	cancel func()
}

func (s *subscription) Cancel() {
	s.once.Do(s.cancel)
}

// subscribers is the handler table shared by the providers.
type subscribers struct {
	mu       sync.Mutex
	nextID   uint64
	handlers map[uint64]Handler
}

func newSubscribers() *subscribers {
	return &subscribers{handlers: make(map[uint64]Handler)}
}

// add registers h and returns its id along with the number of handlers now registered.
func (s *subscribers) add(h Handler) (uint64, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.handlers[s.nextID] = h
	return s.nextID, len(s.handlers)
}

// remove deletes id and returns the number of handlers left.
func (s *subscribers) remove(id uint64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handlers, id)
	return len(s.handlers)
}

// publish calls every registered handler outside the lock.
func (s *subscribers) publish(loc Location) {
	s.mu.Lock()
	handlers := make([]Handler, 0, len(s.handlers))
	for _, h := range s.handlers {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()

	for _, h := range handlers {
		h(loc)
	}
}
