package eventbus

import (
	"testing"

	"github.com/always-cache/sswr/pkg/observable"
)

func TestNilBusIsSilent(t *testing.T) {
	var b *Bus
	sub := b.Focus().Subscribe(observable.Observer[struct{}]{
		Next: func(struct{}) { t.Fatal("Emitted") },
	})
	b.EmitFocus()
	b.EmitOnline()
	b.EmitStorage(StorageEvent{Key: "k"})
	sub.Unsubscribe()
}

func TestFocusDelivery(t *testing.T) {
	b := New()
	var count int
	b.Focus().Subscribe(observable.Observer[struct{}]{Next: func(struct{}) { count++ }})
	b.EmitFocus()
	b.EmitFocus()
	if count != 2 {
		t.Fatalf("Delivered %d times", count)
	}
}

func TestStorageDelivery(t *testing.T) {
	b := New()
	var got StorageEvent
	b.Storage().Subscribe(observable.Observer[StorageEvent]{Next: func(ev StorageEvent) { got = ev }})
	b.EmitStorage(StorageEvent{Key: "sswr-k", NewValue: "new", OldValue: "old"})
	if got.Key != "sswr-k" || got.NewValue != "new" || got.OldValue != "old" {
		t.Fatalf("Got %+v", got)
	}
}
