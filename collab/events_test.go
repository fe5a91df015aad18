package collab

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestCallbackListAddRemove(t *testing.T) {
	callbacks := NewCallbackList[func(int)]()
	assert.Equal(t, 0, callbacks.Count())

	counts := map[string]int{}
	aId := callbacks.Add(func(int) {
		counts["a"] += 1
	})
	bId := callbacks.Add(func(int) {
		counts["b"] += 1
	})
	assert.Equal(t, 2, callbacks.Count())

	for _, callback := range callbacks.Get() {
		callback(0)
	}
	assert.Equal(t, 1, counts["a"])
	assert.Equal(t, 1, counts["b"])

	callbacks.Remove(aId)
	assert.Equal(t, 1, callbacks.Count())
	for _, callback := range callbacks.Get() {
		callback(0)
	}
	assert.Equal(t, 1, counts["a"])
	assert.Equal(t, 2, counts["b"])

	// removing twice is a no-op
	callbacks.Remove(aId)
	assert.Equal(t, 1, callbacks.Count())

	callbacks.Remove(bId)
	assert.Equal(t, 0, callbacks.Count())
}

func TestCallbackListSnapshotIsStable(t *testing.T) {
	callbacks := NewCallbackList[func(int)]()

	count := 0
	callbacks.Add(func(int) {
		count += 1
	})

	// a snapshot taken before a remove still invokes the removed callback.
	// the list is copy-on-write, never edited in place.
	snapshot := callbacks.Get()
	removeId := callbacks.Add(func(int) {
		count += 10
	})
	callbacks.Remove(removeId)

	for _, callback := range snapshot {
		callback(0)
	}
	assert.Equal(t, 1, count)
	assert.Equal(t, 1, callbacks.Count())
}
