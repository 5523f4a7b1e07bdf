package room

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vireomeet/sfu-core/internal/v1/logging"
	"github.com/vireomeet/sfu-core/internal/v1/types"
)

// addChatLocked appends to the bounded history. Oldest entries fall off when
// either the length or byte cap is exceeded.
func (r *Room) addChatLocked(msg types.ChatMessage) {
	r.chatHistory.PushBack(msg)
	r.chatHistoryBytes += len(msg.Content)

	for r.chatHistory.Len() > maxChatHistoryLength || r.chatHistoryBytes > maxChatHistoryBytes {
		front := r.chatHistory.Front()
		if front == nil {
			break
		}
		old := r.chatHistory.Remove(front).(types.ChatMessage)
		r.chatHistoryBytes -= len(old.Content)
	}
}

func (r *Room) recentChatsLocked() []types.ChatMessage {
	out := make([]types.ChatMessage, 0, r.chatHistory.Len())
	for e := r.chatHistory.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(types.ChatMessage))
	}
	return out
}

// SendChat validates, stores and fans out a chat message. A locked chat only
// accepts messages from admins.
func (r *Room) SendChat(ctx context.Context, conn types.ClientConn, content string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessionByConnLocked(conn)
	if !ok {
		return types.ErrNotFound
	}
	if r.isChatLocked && !r.isAdminLocked(sess) {
		return types.ErrForbidden
	}

	msg := types.ChatMessage{
		ChatID:      uuid.NewString(),
		UserID:      sess.UserID(),
		DisplayName: sess.DisplayName(),
		Content:     content,
		Timestamp:   time.Now().UnixMilli(),
	}
	if err := msg.Validate(); err != nil {
		logging.Warn(ctx, "Rejected chat message",
			zap.String("channelId", string(r.channelID)),
			zap.String("userId", string(sess.UserID())),
			zap.Error(err))
		return types.ErrForbidden
	}

	r.addChatLocked(msg)
	r.broadcastLocked(EventChat, msg)
	return nil
}

// RecentChats returns the retained history for the requester.
func (r *Room) RecentChats(conn types.ClientConn) ([]types.ChatMessage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.sessionByConnLocked(conn); !ok {
		return nil, types.ErrNotFound
	}
	return r.recentChatsLocked(), nil
}

// DeleteChat removes a message from history. Authors may delete their own;
// admins may delete any.
func (r *Room) DeleteChat(ctx context.Context, conn types.ClientConn, messageID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessionByConnLocked(conn)
	if !ok {
		return types.ErrNotFound
	}

	for e := r.chatHistory.Front(); e != nil; e = e.Next() {
		msg := e.Value.(types.ChatMessage)
		if msg.ChatID != messageID {
			continue
		}
		if msg.UserID != sess.UserID() && !r.isAdminLocked(sess) {
			return types.ErrForbidden
		}
		r.chatHistory.Remove(e)
		r.chatHistoryBytes -= len(msg.Content)
		r.broadcastLocked(EventChatDeleted, DeleteChatPayload{MessageID: messageID})
		return nil
	}
	return types.ErrNotFound
}

// SetHandRaised toggles the requester's hand. Ghost observers and webinar
// attendees have no hand to raise.
func (r *Room) SetHandRaised(ctx context.Context, conn types.ClientConn, raised bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessionByConnLocked(conn)
	if !ok {
		return types.ErrNotFound
	}
	if sess.Role() != types.RoleParticipant {
		return types.ErrForbidden
	}

	if raised {
		r.handRaised.Insert(sess.UserID())
	} else {
		r.handRaised.Delete(sess.UserID())
	}
	sess.SetHandRaised(raised)

	r.broadcastLocked(EventHandRaised, HandRaisedBroadcast{
		UserID:    sess.UserID(),
		Raised:    raised,
		Timestamp: time.Now().UnixMilli(),
	})
	return nil
}

// SendReaction fans out a transient reaction. Nothing is stored.
func (r *Room) SendReaction(ctx context.Context, conn types.ClientConn, kind, value, label string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, ok := r.sessionByConnLocked(conn)
	if !ok {
		return types.ErrNotFound
	}

	reaction := types.ReactionEvent{
		UserID:    sess.UserID(),
		Kind:      kind,
		Value:     value,
		Label:     label,
		Timestamp: time.Now().UnixMilli(),
	}
	if err := reaction.Validate(); err != nil {
		logging.Warn(ctx, "Rejected reaction",
			zap.String("channelId", string(r.channelID)),
			zap.String("userId", string(sess.UserID())),
			zap.Error(err))
		return types.ErrForbidden
	}

	r.broadcastLocked(EventReaction, reaction)
	return nil
}

// SetDisplayName renames the requester everywhere: session, the per-identity
// index used for reconnects, and the roster via broadcast.
func (r *Room) SetDisplayName(ctx context.Context, conn types.ClientConn, name types.DisplayName) error {
	if name == "" || len(name) > 128 {
		return types.ErrForbidden
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessionByConnLocked(conn)
	if !ok {
		return types.ErrNotFound
	}

	sess.SetDisplayName(name)
	if key := r.userKeyOf(sess); key != "" {
		r.displayNamesByKey[key] = name
	}

	r.broadcastLocked(EventDisplayName, UserPresencePayload{
		UserID:      sess.UserID(),
		DisplayName: name,
	})
	return nil
}
