// Package eventbus broadcasts the ambient signals the cache revalidates on.
// The three channels are environment-dependent: a host that has no notion of
// focus, connectivity or shared storage simply never emits on them.
package eventbus

import "github.com/always-cache/sswr/pkg/observable"

// StorageEvent describes a change to the shared persistent store made by
// another context.
type StorageEvent struct {
	Key      string
	NewValue string
	OldValue string
}

// Bus carries the focus, online and storage channels.
// A nil Bus is valid and permanently silent.
type Bus struct {
	focus   *observable.Subject[struct{}]
	online  *observable.Subject[struct{}]
	storage *observable.Subject[StorageEvent]
}

func New() *Bus {
	return &Bus{
		focus:   observable.NewSubject[struct{}](),
		online:  observable.NewSubject[struct{}](),
		storage: observable.NewSubject[StorageEvent](),
	}
}

// Focus emits whenever the host regains focus.
func (b *Bus) Focus() observable.Source[struct{}] {
	if b == nil {
		return observable.Never[struct{}]()
	}
	return b.focus
}

// Online emits whenever the host regains connectivity.
func (b *Bus) Online() observable.Source[struct{}] {
	if b == nil {
		return observable.Never[struct{}]()
	}
	return b.online
}

// Storage emits when another context mutates the persistent store.
func (b *Bus) Storage() observable.Source[StorageEvent] {
	if b == nil {
		return observable.Never[StorageEvent]()
	}
	return b.storage
}

// EmitFocus is called by host integrations when focus is regained.
func (b *Bus) EmitFocus() {
	if b != nil {
		b.focus.Next(struct{}{})
	}
}

// EmitOnline is called by host integrations when connectivity is regained.
func (b *Bus) EmitOnline() {
	if b != nil {
		b.online.Next(struct{}{})
	}
}

// EmitStorage is called by host integrations to report a store change made
// elsewhere.
func (b *Bus) EmitStorage(ev StorageEvent) {
	if b != nil {
		b.storage.Next(ev)
	}
}
