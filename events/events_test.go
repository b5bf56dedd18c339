package events_test

import (
	"errors"
	"testing"

	"github.com/samber/ro"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilnworks/kiln/events"
)

func TestKindString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "registered", events.KindRegistered.String())
	assert.Equal(t, "early_exposed", events.KindEarlyExposed.String())
	assert.Equal(t, "removed", events.KindRemoved.String())
	assert.Equal(t, "disposed", events.KindDisposed.String())
	assert.Equal(t, "disposal_failed", events.KindDisposalFailed.String())
	assert.Equal(t, "unknown", events.Kind(0).String())
}

func TestFeedPublishSubscribe(t *testing.T) {
	t.Parallel()

	t.Run("subscriber receives published events", func(t *testing.T) {
		t.Parallel()
		feed := events.NewFeed(8)
		stream, cancel := feed.Subscribe()
		defer cancel()

		feed.Publish(events.Event{Kind: events.KindRegistered, Key: "svcA"})
		feed.Publish(events.Event{Kind: events.KindDisposed, Key: "svcA"})
		feed.Close()

		got, err := ro.Collect(stream)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, events.KindRegistered, got[0].Kind)
		assert.Equal(t, events.KindDisposed, got[1].Kind)
		assert.False(t, got[0].At.IsZero(), "publish should stamp At")
	})

	t.Run("cancel completes the stream", func(t *testing.T) {
		t.Parallel()
		feed := events.NewFeed(8)
		stream, cancel := feed.Subscribe()

		feed.Publish(events.Event{Kind: events.KindRegistered, Key: "svcA"})
		cancel()
		feed.Publish(events.Event{Kind: events.KindRegistered, Key: "svcB"})

		got, err := ro.Collect(stream)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "svcA", got[0].Key)
	})

	t.Run("subscribe after close yields completed stream", func(t *testing.T) {
		t.Parallel()
		feed := events.NewFeed(8)
		feed.Close()

		stream, cancel := feed.Subscribe()
		defer cancel()

		got, err := ro.Collect(stream)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("publish after close is ignored", func(t *testing.T) {
		t.Parallel()
		feed := events.NewFeed(8)
		feed.Close()
		feed.Publish(events.Event{Kind: events.KindRegistered, Key: "svcA"})
		assert.Zero(t, feed.Dropped())
	})
}

func TestFeedDropsWhenBufferFull(t *testing.T) {
	t.Parallel()
	feed := events.NewFeed(1)
	_, cancel := feed.Subscribe()
	defer cancel()

	feed.Publish(events.Event{Kind: events.KindRegistered, Key: "a"})
	feed.Publish(events.Event{Kind: events.KindRegistered, Key: "b"})
	feed.Publish(events.Event{Kind: events.KindRegistered, Key: "c"})

	assert.Equal(t, uint64(2), feed.Dropped())
}

func TestStreamHelpers(t *testing.T) {
	t.Parallel()

	t.Run("OfKind filters by kind", func(t *testing.T) {
		t.Parallel()
		source := ro.Just(
			events.Event{Kind: events.KindRegistered, Key: "a"},
			events.Event{Kind: events.KindDisposed, Key: "a"},
			events.Event{Kind: events.KindDisposalFailed, Key: "b", Err: errors.New("boom")},
		)

		got, err := ro.Collect(events.OfKind(source, events.KindDisposed, events.KindDisposalFailed))
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, events.KindDisposed, got[0].Kind)
		assert.Equal(t, events.KindDisposalFailed, got[1].Kind)
	})

	t.Run("ForKey filters by key", func(t *testing.T) {
		t.Parallel()
		source := ro.Just(
			events.Event{Kind: events.KindRegistered, Key: "a"},
			events.Event{Kind: events.KindRegistered, Key: "b"},
		)

		got, err := ro.Collect(events.ForKey(source, "b"))
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "b", got[0].Key)
	})

	t.Run("Keys projects to component keys", func(t *testing.T) {
		t.Parallel()
		source := ro.Just(
			events.Event{Kind: events.KindRegistered, Key: "a"},
			events.Event{Kind: events.KindDisposed, Key: "b"},
		)

		got, err := ro.Collect(events.Keys(source))
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, got)
	})
}
