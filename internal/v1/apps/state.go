package apps

import (
	"sync"

	"github.com/vireomeet/sfu-core/internal/v1/types"
)

// Snapshot is the roster-facing view broadcast as apps:state.
type Snapshot struct {
	ActiveAppID string `json:"activeAppId"`
	Locked      bool   `json:"locked"`
}

// SyncResponse answers the step-1 sync handshake.
type SyncResponse struct {
	StateVector []byte `json:"stateVector"`
	Update      []byte `json:"update"`
	Awareness   []byte `json:"awareness,omitempty"`
}

// State is one room's collaborative-app state. The room embeds it and
// serializes authorization through its own lock; State guards only its own
// maps.
type State struct {
	mu          sync.RWMutex
	activeAppID string
	locked      bool
	docs        map[string]Doc
	awareness   map[string]Awareness
	// clientIDs tracks which awareness client ids each user announced per
	// app, the bookkeeping needed to synthesize removals on disconnect.
	clientIDs map[string]map[types.UserID]map[uint64]struct{}

	newDoc       func() Doc
	newAwareness func() Awareness
}

// NewState creates an empty per-room broker backed by the in-memory CRDT
// implementations.
func NewState() *State {
	return &State{
		docs:         make(map[string]Doc),
		awareness:    make(map[string]Awareness),
		clientIDs:    make(map[string]map[types.UserID]map[uint64]struct{}),
		newDoc:       NewDoc,
		newAwareness: NewAwareness,
	}
}

// Snapshot returns the active app and lock flag.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{ActiveAppID: s.activeAppID, Locked: s.locked}
}

// Locked reports whether app switching is restricted to admins.
func (s *State) Locked() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.locked
}

// SetLocked toggles the app lock and reports whether the value changed.
func (s *State) SetLocked(locked bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locked == locked {
		return false
	}
	s.locked = locked
	return true
}

// Open activates an app, creating its document and awareness registry on
// first use. Reports whether the active app changed; opening the already
// active app is a no-op.
func (s *State) Open(appID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.activeAppID == appID {
		return false
	}
	s.activeAppID = appID
	s.ensureAppLocked(appID)
	return true
}

func (s *State) ensureAppLocked(appID string) {
	if _, ok := s.docs[appID]; !ok {
		s.docs[appID] = s.newDoc()
	}
	if _, ok := s.awareness[appID]; !ok {
		s.awareness[appID] = s.newAwareness()
	}
}

// Close deactivates the current app and clears its awareness. It returns
// the closed app id and the removal update to broadcast before the clients
// drop their registries. The document is retained for a later re-open.
func (s *State) Close() (string, []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	appID := s.activeAppID
	if appID == "" {
		return "", nil
	}
	s.activeAppID = ""

	var removal []byte
	if aw, ok := s.awareness[appID]; ok {
		removal = aw.Remove(s.allClientIDsLocked(appID))
	}
	delete(s.clientIDs, appID)
	return appID, removal
}

func (s *State) allClientIDsLocked(appID string) []uint64 {
	var ids []uint64
	for _, perUser := range s.clientIDs[appID] {
		for id := range perUser {
			ids = append(ids, id)
		}
	}
	return ids
}

// Sync applies an incoming step-1 message and returns the server's state
// vector, the missing updates and the current awareness snapshot.
func (s *State) Sync(appID string, stateVector []byte) (SyncResponse, error) {
	s.mu.Lock()
	s.ensureAppLocked(appID)
	doc := s.docs[appID]
	aw := s.awareness[appID]
	s.mu.Unlock()

	return SyncResponse{
		StateVector: doc.EncodeStateVector(),
		Update:      doc.EncodeStateAsUpdate(stateVector),
		Awareness:   aw.Encode(),
	}, nil
}

// Update applies a document update. The caller broadcasts it to the other
// members.
func (s *State) Update(appID string, update []byte) error {
	s.mu.Lock()
	s.ensureAppLocked(appID)
	doc := s.docs[appID]
	s.mu.Unlock()

	return doc.ApplyUpdate(update)
}

// ApplyAwareness records an awareness payload and tracks the client id
// against the sending user for disconnect GC.
func (s *State) ApplyAwareness(appID string, userID types.UserID, clientID uint64, update []byte) error {
	s.mu.Lock()
	s.ensureAppLocked(appID)
	aw := s.awareness[appID]
	perApp, ok := s.clientIDs[appID]
	if !ok {
		perApp = make(map[types.UserID]map[uint64]struct{})
		s.clientIDs[appID] = perApp
	}
	perUser, ok := perApp[userID]
	if !ok {
		perUser = make(map[uint64]struct{})
		perApp[userID] = perUser
	}
	perUser[clientID] = struct{}{}
	s.mu.Unlock()

	return aw.ApplyUpdate(clientID, update)
}

// DisconnectUser synthesizes removal updates for every client id the user
// announced, per app. The caller broadcasts each as apps:awareness.
func (s *State) DisconnectUser(userID types.UserID) map[string][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	removals := make(map[string][]byte)
	for appID, perApp := range s.clientIDs {
		perUser, ok := perApp[userID]
		if !ok || len(perUser) == 0 {
			continue
		}
		ids := make([]uint64, 0, len(perUser))
		for id := range perUser {
			ids = append(ids, id)
		}
		delete(perApp, userID)

		if aw, ok := s.awareness[appID]; ok {
			if removal := aw.Remove(ids); removal != nil {
				removals[appID] = removal
			}
		}
	}
	return removals
}
