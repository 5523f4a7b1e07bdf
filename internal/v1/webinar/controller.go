// Package webinar manages the per-room webinar configuration: attendee
// admission policy, invite codes, signed join links and the curated
// active-speaker feed. State is keyed by channel id and lives only in
// process memory.
package webinar

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"sync"

	"go.uber.org/zap"

	"github.com/vireomeet/sfu-core/internal/v1/logging"
	"github.com/vireomeet/sfu-core/internal/v1/types"
)

// MaxAttendeeLimit is the hard ceiling for a webinar audience.
const MaxAttendeeLimit = 5000

// clampAttendees forces a requested cap into [1, MaxAttendeeLimit].
func clampAttendees(n int) int {
	if n < 1 {
		return 1
	}
	if n > MaxAttendeeLimit {
		return MaxAttendeeLimit
	}
	return n
}

// DefaultMaxAttendees applies when a webinar is enabled without an explicit
// cap.
const DefaultMaxAttendees = 100

// FeedMode selects how the attendee feed is curated.
type FeedMode string

const (
	FeedModeActiveSpeaker FeedMode = "active-speaker"
)

// Config is the webinar policy for one room. The invite code is stored only
// as a keyed hash; the plain value is never retained.
type Config struct {
	Enabled       bool     `json:"enabled"`
	PublicAccess  bool     `json:"publicAccess"`
	Locked        bool     `json:"locked"`
	MaxAttendees  int      `json:"maxAttendees"`
	LinkVersion   int64    `json:"linkVersion"`
	FeedMode      FeedMode `json:"feedMode"`
	HasInviteCode bool     `json:"hasInviteCode"`

	inviteCodeHash []byte
}

func defaultConfig() Config {
	return Config{
		MaxAttendees: DefaultMaxAttendees,
		LinkVersion:  1,
		FeedMode:     FeedModeActiveSpeaker,
	}
}

// Update is a partial mutation of a room's webinar config. Nil fields are
// left untouched.
type Update struct {
	Enabled      *bool     `json:"enabled,omitempty"`
	PublicAccess *bool     `json:"publicAccess,omitempty"`
	Locked       *bool     `json:"locked,omitempty"`
	MaxAttendees *int      `json:"maxAttendees,omitempty"`
	FeedMode     *FeedMode `json:"feedMode,omitempty"`
	// InviteCode set to the empty string clears the code.
	InviteCode *string `json:"inviteCode,omitempty"`
}

type roomState struct {
	config Config
	feed   Feed
}

// Controller holds webinar state for all rooms on this instance.
type Controller struct {
	secret  []byte
	baseURL string

	mu    sync.RWMutex
	rooms map[types.ChannelID]*roomState
}

// NewController creates a controller signing links and hashing invite codes
// with the shared server secret.
func NewController(secret, baseURL string) *Controller {
	return &Controller{
		secret:  []byte(secret),
		baseURL: baseURL,
		rooms:   make(map[types.ChannelID]*roomState),
	}
}

func (c *Controller) stateLocked(channelID types.ChannelID) *roomState {
	st, ok := c.rooms[channelID]
	if !ok {
		cfg := defaultConfig()
		st = &roomState{config: cfg}
		c.rooms[channelID] = st
	}
	return st
}

// Get returns a snapshot of the room's webinar config, creating the default
// on first touch.
func (c *Controller) Get(channelID types.ChannelID) Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked(channelID).config
}

// Apply merges an update into the room's config and returns the new
// snapshot. Disabling a webinar bumps the link version so outstanding signed
// links die with it.
func (c *Controller) Apply(ctx context.Context, channelID types.ChannelID, u Update) (Config, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.stateLocked(channelID)
	cfg := &st.config

	if u.MaxAttendees != nil {
		cfg.MaxAttendees = clampAttendees(*u.MaxAttendees)
	}
	if u.Enabled != nil {
		if cfg.Enabled && !*u.Enabled {
			cfg.LinkVersion++
		}
		cfg.Enabled = *u.Enabled
	}
	if u.PublicAccess != nil {
		cfg.PublicAccess = *u.PublicAccess
	}
	if u.Locked != nil {
		cfg.Locked = *u.Locked
	}
	if u.FeedMode != nil {
		cfg.FeedMode = *u.FeedMode
	}
	if u.InviteCode != nil {
		if *u.InviteCode == "" {
			cfg.inviteCodeHash = nil
			cfg.HasInviteCode = false
		} else {
			cfg.inviteCodeHash = c.hashCode(*u.InviteCode)
			cfg.HasInviteCode = true
		}
	}

	logging.Info(ctx, "Webinar config updated",
		zap.String("channelId", string(channelID)),
		zap.Bool("enabled", cfg.Enabled),
		zap.Int64("linkVersion", cfg.LinkVersion))
	return *cfg, nil
}

// Delete drops all webinar state for a room. Called on room close.
func (c *Controller) Delete(channelID types.ChannelID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rooms, channelID)
}

func (c *Controller) hashCode(code string) []byte {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(code))
	return mac.Sum(nil)
}

// VerifyInviteCode checks a presented code against the stored hash in
// constant time.
func (c *Controller) VerifyInviteCode(channelID types.ChannelID, code string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	st, ok := c.rooms[channelID]
	if !ok || st.config.inviteCodeHash == nil {
		return types.ErrInvalidInviteCode
	}
	presented := c.hashCode(code)
	if subtle.ConstantTimeCompare(presented, st.config.inviteCodeHash) != 1 {
		return types.ErrInvalidInviteCode
	}
	return nil
}

// AuthorizeAttendee runs the attendee-side admission preflight: webinar
// enabled, access credential when not public, and the live cap.
func (c *Controller) AuthorizeAttendee(channelID types.ChannelID, signedLink, inviteCode string, currentAttendees int) error {
	c.mu.RLock()
	cfg := Config{}
	if st, ok := c.rooms[channelID]; ok {
		cfg = st.config
	}
	c.mu.RUnlock()

	if !cfg.Enabled {
		return types.ErrWebinarDisabled
	}
	if !cfg.PublicAccess {
		switch {
		case signedLink != "":
			if err := c.VerifySignedLink(channelID, signedLink); err != nil {
				return err
			}
		case inviteCode != "":
			if err := c.VerifyInviteCode(channelID, inviteCode); err != nil {
				return err
			}
		default:
			return types.ErrInviteCodeRequired
		}
	}
	if currentAttendees >= cfg.MaxAttendees {
		return types.ErrAttendeeCapExceeded
	}
	return nil
}
