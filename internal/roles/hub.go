package roles

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/nirmitee/ehr-rbac/internal/auth"
	"github.com/nirmitee/ehr-rbac/internal/rbac"
)

const (
	MessagePermissions        = "permissions"
	MessagePermissionsChanged = "permissions_changed"

	wsWriteTimeout = 10 * time.Second
)

// StreamMessage is the JSON frame pushed to connected sessions.
type StreamMessage struct {
	Type        string             `json:"type"`
	Permissions rbac.PermissionSet `json:"permissions"`
	Scope       rbac.ScopeContext  `json:"scope"`
	Reason      string             `json:"reason,omitempty"`
}

type subscriber struct {
	identity *auth.Identity
	notify   chan string
}

// Hub pushes a user's recomputed permissions to their open websocket
// sessions whenever an invalidation names them. It must run after the
// resolver in the invalidation fan-out so the recomputed set is fresh.
type Hub struct {
	resolver       rbac.PermissionResolver
	originPatterns []string

	mu   sync.Mutex
	subs map[string]map[*subscriber]struct{}
}

var _ rbac.Invalidator = (*Hub)(nil)

func NewHub(resolver rbac.PermissionResolver, originPatterns []string) *Hub {
	return &Hub{
		resolver:       resolver,
		originPatterns: originPatterns,
		subs:           make(map[string]map[*subscriber]struct{}),
	}
}

// Invalidate wakes the sessions of the named users. It never blocks; a
// session with a pending notification is not notified twice.
func (h *Hub) Invalidate(_ context.Context, inv rbac.Invalidation) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	wake := func(set map[*subscriber]struct{}) {
		for sub := range set {
			select {
			case sub.notify <- inv.Reason:
			default:
			}
		}
	}
	if inv.All {
		for _, set := range h.subs {
			wake(set)
		}
		return nil
	}
	for _, userID := range inv.UserIDs {
		wake(h.subs[userID])
	}
	return nil
}

// Sessions returns the number of open sessions for userID.
func (h *Hub) Sessions(userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[userID])
}

func (h *Hub) register(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[sub.identity.UserID]
	if !ok {
		set = make(map[*subscriber]struct{})
		h.subs[sub.identity.UserID] = set
	}
	set[sub] = struct{}{}
}

func (h *Hub) unregister(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.subs[sub.identity.UserID]
	delete(set, sub)
	if len(set) == 0 {
		delete(h.subs, sub.identity.UserID)
	}
}

// HandleStream upgrades to a websocket and streams the caller's effective
// permissions: once on connect, then after every change.
// GET /api/v1/me/permissions/stream
func (h *Hub) HandleStream(w http.ResponseWriter, r *http.Request) {
	identity := auth.GetIdentity(r.Context())
	if identity == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "authentication required"})
		return
	}

	// The deadline survives the hijack, so clear the server's write timeout
	// before upgrading.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.CloseNow() }()

	// Clients never send; CloseRead handles control frames and cancels ctx
	// when the peer goes away.
	ctx := conn.CloseRead(r.Context())

	sub := &subscriber{identity: identity, notify: make(chan string, 1)}
	h.register(sub)
	defer h.unregister(sub)

	if err := h.push(ctx, conn, sub, MessagePermissions, ""); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		case reason := <-sub.notify:
			if err := h.push(ctx, conn, sub, MessagePermissionsChanged, reason); err != nil {
				return
			}
		}
	}
}

func (h *Hub) push(ctx context.Context, conn *websocket.Conn, sub *subscriber, msgType, reason string) error {
	scope := rbac.ScopeFromIdentity(sub.identity)
	set, err := h.resolver.Resolve(ctx, sub.identity.UserID, scope)
	if err != nil {
		slog.Error("resolving permissions for stream", "user_id", sub.identity.UserID, "error", err)
		_ = conn.Close(websocket.StatusInternalError, "authorization unavailable")
		return err
	}

	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, conn, StreamMessage{
		Type:        msgType,
		Permissions: set,
		Scope:       scope,
		Reason:      reason,
	})
}
