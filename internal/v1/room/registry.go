package room

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/vireomeet/sfu-core/internal/v1/lifecycle"
	"github.com/vireomeet/sfu-core/internal/v1/logging"
	"github.com/vireomeet/sfu-core/internal/v1/metrics"
	"github.com/vireomeet/sfu-core/internal/v1/types"
)

// Registry owns every live room on this instance and the join funnel into
// them. It is the drain target: lifecycle broadcasts and disconnects reach
// sockets through here.
type Registry struct {
	deps          Deps
	drain         *lifecycle.Manager
	allowCreation bool
	ctx           context.Context

	mu    sync.RWMutex
	rooms map[types.ChannelID]*Room
}

// Summary is the admin-facing view of one room.
type Summary struct {
	ChannelID types.ChannelID    `json:"channelId"`
	RoomID    types.RoomID       `json:"roomId"`
	Members   int                `json:"members"`
	Quality   types.VideoQuality `json:"quality"`
}

// NewRegistry wires the registry. allowCreation false turns unknown-room
// joins into a rejection instead of an implicit create.
func NewRegistry(ctx context.Context, deps Deps, drain *lifecycle.Manager, allowCreation bool) *Registry {
	return &Registry{
		deps:          deps,
		drain:         drain,
		allowCreation: allowCreation,
		ctx:           ctx,
		rooms:         make(map[types.ChannelID]*Room),
	}
}

// Join runs the process-level admission gates and hands the attempt to the
// room.
func (g *Registry) Join(ctx context.Context, channelID types.ChannelID, in JoinInput) (JoinResult, error) {
	if err := g.drain.CheckAdmission(); err != nil {
		metrics.Admissions.WithLabelValues("rejected").Inc()
		return JoinResult{}, err
	}

	r, err := g.getOrCreate(ctx, channelID)
	if err != nil {
		metrics.Admissions.WithLabelValues("rejected").Inc()
		return JoinResult{}, err
	}
	return r.Join(ctx, in)
}

// Get resolves a live room.
func (g *Registry) Get(channelID types.ChannelID) (*Room, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.rooms[channelID]
	return r, ok
}

func (g *Registry) getOrCreate(ctx context.Context, channelID types.ChannelID) (*Room, error) {
	g.mu.RLock()
	r, ok := g.rooms[channelID]
	g.mu.RUnlock()
	if ok {
		return r, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if r, ok := g.rooms[channelID]; ok {
		return r, nil
	}
	if !g.allowCreation {
		return nil, types.ErrNotFound
	}

	r, err := NewRoom(g.ctx, channelID, g.deps, g.dissolve)
	if err != nil {
		return nil, err
	}
	g.rooms[channelID] = r
	return r, nil
}

// dissolve removes and closes a room that reported itself empty or
// admin-less past the cleanup window.
func (g *Registry) dissolve(channelID types.ChannelID) {
	g.mu.Lock()
	r, ok := g.rooms[channelID]
	if ok {
		delete(g.rooms, channelID)
	}
	g.mu.Unlock()
	if !ok {
		return
	}

	logging.Info(context.Background(), "Dissolving room",
		zap.String("channelId", string(channelID)))
	r.Close(context.Background(), "room dissolved")
}

// snapshot copies the room list so callers never iterate under the registry
// lock.
func (g *Registry) snapshot() []*Room {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Room, 0, len(g.rooms))
	for _, r := range g.rooms {
		out = append(out, r)
	}
	return out
}

// Summaries lists every live room for the admin surface.
func (g *Registry) Summaries() []Summary {
	rooms := g.snapshot()
	out := make([]Summary, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, Summary{
			ChannelID: r.ChannelID(),
			RoomID:    r.RoomID(),
			Members:   r.MemberCount(),
			Quality:   r.Quality(),
		})
	}
	return out
}

// RoomCount returns the number of live rooms.
func (g *Registry) RoomCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.rooms)
}

// BroadcastAll implements the drain target: every member and pending socket
// of every room gets the event.
func (g *Registry) BroadcastAll(ctx context.Context, event types.Event, payload interface{}) {
	for _, r := range g.snapshot() {
		r.Broadcast(event, payload)
	}
}

// DisconnectAll implements the drain target: every socket is force-closed.
func (g *Registry) DisconnectAll(ctx context.Context) {
	for _, r := range g.snapshot() {
		r.DisconnectAll(ctx)
	}
}

// CloseAll dissolves every room. Used on process shutdown.
func (g *Registry) CloseAll(ctx context.Context, reason string) {
	g.mu.Lock()
	rooms := make([]*Room, 0, len(g.rooms))
	for _, r := range g.rooms {
		rooms = append(rooms, r)
	}
	g.rooms = make(map[types.ChannelID]*Room)
	g.mu.Unlock()

	for _, r := range rooms {
		r.Close(ctx, reason)
	}
}
