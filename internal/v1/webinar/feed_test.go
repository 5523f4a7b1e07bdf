package webinar

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vireomeet/sfu-core/internal/v1/types"
)

func mic(id string, paused bool) FeedProducer {
	return FeedProducer{ID: id, Kind: types.MediaKindAudio, Type: types.MediaTypeWebcam, Paused: paused}
}

func cam(id string, paused bool) FeedProducer {
	return FeedProducer{ID: id, Kind: types.MediaKindVideo, Type: types.MediaTypeWebcam, Paused: paused}
}

func TestSelectFeed(t *testing.T) {
	t.Run("should keep the current speaker while their mic is live", func(t *testing.T) {
		candidates := []Candidate{
			{UserID: "p1#s", Producers: []FeedProducer{mic("a1", false), cam("v1", false)}},
			{UserID: "p2#s", Producers: []FeedProducer{mic("a2", false)}},
		}
		feed := selectFeed("p2#s", candidates)
		assert.Equal(t, types.UserID("p2#s"), feed.SpeakerUserID)
	})

	t.Run("should move to the first candidate with a live mic", func(t *testing.T) {
		candidates := []Candidate{
			{UserID: "p1#s", Producers: []FeedProducer{mic("a1", true), cam("v1", false)}},
			{UserID: "p2#s", Producers: []FeedProducer{mic("a2", false), cam("v2", false)}},
		}
		feed := selectFeed("p1#s", candidates)
		assert.Equal(t, types.UserID("p2#s"), feed.SpeakerUserID)
		assert.Len(t, feed.Producers, 2)
	})

	t.Run("should keep the current speaker when nobody has a live mic but they still publish", func(t *testing.T) {
		candidates := []Candidate{
			{UserID: "p1#s", Producers: []FeedProducer{cam("v1", false)}},
			{UserID: "p2#s", Producers: []FeedProducer{cam("v2", false)}},
		}
		feed := selectFeed("p2#s", candidates)
		assert.Equal(t, types.UserID("p2#s"), feed.SpeakerUserID)
	})

	t.Run("should fall back to the first candidate publishing anything", func(t *testing.T) {
		candidates := []Candidate{
			{UserID: "p1#s", Producers: nil},
			{UserID: "p2#s", Producers: []FeedProducer{cam("v2", false)}},
		}
		feed := selectFeed("gone#s", candidates)
		assert.Equal(t, types.UserID("p2#s"), feed.SpeakerUserID)
	})

	t.Run("should select nobody when nothing is published", func(t *testing.T) {
		candidates := []Candidate{
			{UserID: "p1#s", Producers: []FeedProducer{mic("a1", true)}},
		}
		feed := selectFeed("p1#s", candidates)
		assert.Empty(t, feed.SpeakerUserID)
		assert.Empty(t, feed.Producers)
	})

	t.Run("should include only live producers of the speaker", func(t *testing.T) {
		candidates := []Candidate{
			{UserID: "p1#s", Producers: []FeedProducer{mic("a1", false), cam("v1", true)}},
		}
		feed := selectFeed("", candidates)
		assert.Equal(t, types.UserID("p1#s"), feed.SpeakerUserID)
		assert.Len(t, feed.Producers, 1)
		assert.Equal(t, "a1", feed.Producers[0].ID)
	})
}

func TestRefreshFeed(t *testing.T) {
	c := newTestController()

	candidates := []Candidate{
		{UserID: "p1#s", Producers: []FeedProducer{mic("a1", false)}},
	}
	feed, changed := c.RefreshFeed(testChannel, candidates)
	assert.True(t, changed)
	assert.Equal(t, types.UserID("p1#s"), feed.SpeakerUserID)

	// Same snapshot, no change.
	_, changed = c.RefreshFeed(testChannel, candidates)
	assert.False(t, changed)

	// Speaker drops their mic, another takes over.
	candidates = []Candidate{
		{UserID: "p1#s", Producers: []FeedProducer{mic("a1", true)}},
		{UserID: "p2#s", Producers: []FeedProducer{mic("a2", false)}},
	}
	feed, changed = c.RefreshFeed(testChannel, candidates)
	assert.True(t, changed)
	assert.Equal(t, types.UserID("p2#s"), feed.SpeakerUserID)

	assert.Equal(t, feed, c.Feed(testChannel))
}

func TestRefreshFeedSticksToCurrentSpeaker(t *testing.T) {
	c := newTestController()

	_, changed := c.RefreshFeed(testChannel, []Candidate{
		{UserID: "p2#s", Producers: []FeedProducer{mic("a2", false)}},
	})
	assert.True(t, changed)

	// A second live mic appears earlier in stable order; the current speaker
	// keeps the feed.
	feed, changed := c.RefreshFeed(testChannel, []Candidate{
		{UserID: "p1#s", Producers: []FeedProducer{mic("a1", false)}},
		{UserID: "p2#s", Producers: []FeedProducer{mic("a2", false)}},
	})
	assert.False(t, changed)
	assert.Equal(t, types.UserID("p2#s"), feed.SpeakerUserID)
}
