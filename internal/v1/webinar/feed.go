package webinar

import (
	"github.com/vireomeet/sfu-core/internal/v1/types"
)

// FeedProducer is one stream in the curated attendee feed.
type FeedProducer struct {
	ID     string          `json:"id"`
	Kind   types.MediaKind `json:"kind"`
	Type   types.MediaType `json:"type"`
	Paused bool            `json:"paused"`
}

// Candidate is a feed-eligible member snapshot. The room builds the
// candidate list in stable join order, excluding ghosts and attendees.
type Candidate struct {
	UserID    types.UserID
	Producers []FeedProducer
}

// Feed is the current curated selection. An empty SpeakerUserID means no
// candidate is publishing.
type Feed struct {
	SpeakerUserID types.UserID   `json:"speakerUserId"`
	Producers     []FeedProducer `json:"producers"`
}

func (c Candidate) hasLiveMic() bool {
	for _, p := range c.Producers {
		if p.Kind == types.MediaKindAudio && p.Type == types.MediaTypeWebcam && !p.Paused {
			return true
		}
	}
	return false
}

func (c Candidate) liveProducers() []FeedProducer {
	out := make([]FeedProducer, 0, len(c.Producers))
	for _, p := range c.Producers {
		if !p.Paused {
			out = append(out, p)
		}
	}
	return out
}

// selectFeed picks the speaker for active-speaker mode. Preference order:
// the current speaker while their mic is live, then the first candidate with
// a live mic, then the current speaker while they publish anything, then the
// first candidate publishing anything.
func selectFeed(current types.UserID, candidates []Candidate) Feed {
	byID := make(map[types.UserID]Candidate, len(candidates))
	for _, c := range candidates {
		byID[c.UserID] = c
	}

	if c, ok := byID[current]; ok && c.hasLiveMic() {
		return Feed{SpeakerUserID: c.UserID, Producers: c.liveProducers()}
	}
	for _, c := range candidates {
		if c.hasLiveMic() {
			return Feed{SpeakerUserID: c.UserID, Producers: c.liveProducers()}
		}
	}
	if c, ok := byID[current]; ok && len(c.liveProducers()) > 0 {
		return Feed{SpeakerUserID: c.UserID, Producers: c.liveProducers()}
	}
	for _, c := range candidates {
		if live := c.liveProducers(); len(live) > 0 {
			return Feed{SpeakerUserID: c.UserID, Producers: live}
		}
	}
	return Feed{}
}

func feedEqual(a, b Feed) bool {
	if a.SpeakerUserID != b.SpeakerUserID || len(a.Producers) != len(b.Producers) {
		return false
	}
	for i := range a.Producers {
		if a.Producers[i].ID != b.Producers[i].ID || a.Producers[i].Paused != b.Producers[i].Paused {
			return false
		}
	}
	return true
}

// RefreshFeed recomputes the feed from a fresh candidate snapshot and
// reports whether it changed. The caller broadcasts feedChanged only on
// change.
func (c *Controller) RefreshFeed(channelID types.ChannelID, candidates []Candidate) (Feed, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.stateLocked(channelID)
	next := selectFeed(st.feed.SpeakerUserID, candidates)
	if feedEqual(st.feed, next) {
		return next, false
	}
	st.feed = next
	return next, true
}

// Feed returns the current selection without recomputing.
func (c *Controller) Feed(channelID types.ChannelID) Feed {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if st, ok := c.rooms[channelID]; ok {
		return st.feed
	}
	return Feed{}
}
