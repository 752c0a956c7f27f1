// Package subscription implements the driver-side (channel, streamId)
// registration that fans out to zero or more images, joinable before or
// after a source appears. Grounded on nonchalant's
// internal/core/bus.Registry keyed lookup (map[StreamKey]*Stream,
// create-or-get, remove-if-empty), generalized from one stream per key to
// one subscription per key holding many concurrently connected images.
package subscription

import (
	"fmt"
	"sync"

	"mediadriver/internal/driver/image"
)

// Subscription is a (channel, streamId) registration.
type Subscription struct {
	RegistrationID int64
	Channel        string
	StreamID       int32

	mu     sync.RWMutex
	images map[int64]*image.Image // keyed by image RegistrationID
}

// New constructs an empty subscription.
func New(registrationID int64, channel string, streamID int32) *Subscription {
	return &Subscription{
		RegistrationID: registrationID,
		Channel:        channel,
		StreamID:       streamID,
		images:         make(map[int64]*image.Image),
	}
}

// AddImage attaches a newly discovered image (the source may appear after
// the subscription was created, or vice versa).
func (s *Subscription) AddImage(img *image.Image) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.images[img.RegistrationID] = img
}

// RemoveImage detaches an image once it has been fully torn down.
func (s *Subscription) RemoveImage(registrationID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.images, registrationID)
}

// Images returns a snapshot of the currently attached images, safe to
// range over without holding the subscription's lock.
func (s *Subscription) Images() []*image.Image {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*image.Image, 0, len(s.images))
	for _, img := range s.images {
		out = append(out, img)
	}
	return out
}

// IsEmpty reports whether the subscription has no connected images left,
// the condition the Conductor checks before reclaiming it.
func (s *Subscription) IsEmpty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.images) == 0
}

// Registry maps (channel, streamId) to Subscriptions, mirroring the
// keyed-registry pattern the Conductor also uses for publications.
type Registry struct {
	mu            sync.RWMutex
	subscriptions map[string]*Subscription // keyed by Channel+"/"+streamID
}

// NewRegistry constructs an empty subscription registry.
func NewRegistry() *Registry {
	return &Registry{subscriptions: make(map[string]*Subscription)}
}

func key(channel string, streamID int32) string {
	return fmt.Sprintf("%s/%d", channel, streamID)
}

// GetOrCreate returns the subscription for (channel, streamId), creating
// it if absent. created reports whether a new one was made.
func (r *Registry) GetOrCreate(registrationID int64, channel string, streamID int32) (sub *Subscription, created bool) {
	k := key(channel, streamID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.subscriptions[k]; ok {
		return existing, false
	}
	sub = New(registrationID, channel, streamID)
	r.subscriptions[k] = sub
	return sub, true
}

func (r *Registry) Get(channel string, streamID int32) *Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.subscriptions[key(channel, streamID)]
}

// RemoveIfEmpty removes the subscription for (channel, streamId) if it has
// no connected images. Returns true if it was removed.
func (r *Registry) RemoveIfEmpty(channel string, streamID int32) bool {
	k := key(channel, streamID)
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subscriptions[k]
	if !ok || !sub.IsEmpty() {
		return false
	}
	delete(r.subscriptions, k)
	return true
}
