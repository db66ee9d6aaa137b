package tunesync

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSignalHubDeliversToSubscriber(t *testing.T) {
	hub := NewSignalHub()
	sub := hub.Subscribe(TopicTune)
	defer sub.Cancel()

	hub.Publish(TopicTune)

	select {
	case <-sub.C:
	default:
		t.Fatal("expected a pending notification")
	}
}

func TestSignalHubCoalescesRapidPublishes(t *testing.T) {
	hub := NewSignalHub()
	sub := hub.Subscribe(TopicPractice)
	defer sub.Cancel()

	// Many publishes before the subscriber drains collapse into one
	// notification; none of them block the publisher.
	for i := 0; i < 10; i++ {
		hub.Publish(TopicPractice)
	}

	<-sub.C
	select {
	case <-sub.C:
		t.Fatal("publishes should coalesce into a single pending notification")
	default:
	}
}

func TestSignalHubNoRetroactiveDelivery(t *testing.T) {
	hub := NewSignalHub()
	hub.Publish(TopicTune)

	// A subscriber added after the emission missed it.
	sub := hub.Subscribe(TopicTune)
	defer sub.Cancel()

	select {
	case <-sub.C:
		t.Fatal("subscription must not see emissions from before it existed")
	default:
	}
}

func TestSignalHubTopicsAreIndependent(t *testing.T) {
	hub := NewSignalHub()
	tuneSub := hub.Subscribe(TopicTune)
	playlistSub := hub.Subscribe(TopicPlaylist)
	defer tuneSub.Cancel()
	defer playlistSub.Cancel()

	hub.Publish(TopicTune)

	select {
	case <-playlistSub.C:
		t.Fatal("playlist subscriber must not hear tune signals")
	default:
	}
	<-tuneSub.C
}

func TestSignalHubCancelStopsDelivery(t *testing.T) {
	hub := NewSignalHub()
	sub := hub.Subscribe(TopicSync)
	sub.Cancel()
	sub.Cancel() // safe to call twice

	hub.Publish(TopicSync)
	select {
	case <-sub.C:
		t.Fatal("cancelled subscription must not receive")
	default:
	}
}

func TestTopicForTableMapping(t *testing.T) {
	require := require.New(t)
	require.Equal(TopicTune, topicForTable(TableTune))
	require.Equal(TopicTune, topicForTable(TableTuneOverride))
	require.Equal(TopicPlaylist, topicForTable(TablePlaylist))
	require.Equal(TopicPlaylist, topicForTable(TablePlaylistTune))
	require.Equal(TopicPractice, topicForTable(TablePracticeRecord))
	require.Equal(TopicSync, topicForTable(TableUserProfile))
}
