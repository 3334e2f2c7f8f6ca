package hub_test

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/arthurozassa/LP-TRACKER-sub003/pkg/hub"
	"github.com/arthurozassa/LP-TRACKER-sub003/pkg/testutil"
	"github.com/arthurozassa/LP-TRACKER-sub003/pkg/wire"
)

// dialHub opens a raw WebSocket to the hub and consumes the
// connection_established frame every connection starts with.
func dialHub(t *testing.T, url string) (*websocket.Conn, wire.ConnectionEstablished) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial hub: %v", err)
	}
	t.Cleanup(func() { _ = ws.CloseNow() })

	welcome := readMsg(t, ws)
	if welcome.Type != wire.TypeConnectionEstablished {
		t.Fatalf("first frame type = %q, want connection_established", welcome.Type)
	}
	var est wire.ConnectionEstablished
	if err := welcome.DecodeData(&est); err != nil {
		t.Fatalf("decode connection_established: %v", err)
	}
	return ws, est
}

func readMsg(t *testing.T, ws *websocket.Conn) *wire.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var msg wire.Message
	if err := wsjson.Read(ctx, ws, &msg); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return &msg
}

func sendMsg(t *testing.T, ws *websocket.Conn, msg *wire.Message) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, ws, msg); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func authenticate(t *testing.T, ws *websocket.Conn, userID, wallet string) {
	t.Helper()
	sendMsg(t, ws, wire.MustNew(wire.TypeAuthenticate, wire.AuthenticatePayload{
		Token:         "token-" + userID,
		UserID:        userID,
		WalletAddress: wallet,
	}))
}

func TestConnectionEstablishedIsFirstFrame(t *testing.T) {
	t.Parallel()
	h, url := testutil.StartHub(t, hub.WithLogger(testutil.DiscardLogger()))

	_, est := dialHub(t, url)
	if est.ConnectionID == "" {
		t.Fatal("connection_established without connectionId")
	}
	if est.ServerTime.IsZero() {
		t.Fatal("connection_established without serverTime")
	}
	if got := h.ConnectionCount(); got != 1 {
		t.Fatalf("ConnectionCount = %d, want 1", got)
	}
}

func TestAuthenticateBindsUserAndWallet(t *testing.T) {
	t.Parallel()
	h, url := testutil.StartHub(t, hub.WithLogger(testutil.DiscardLogger()))

	ws, _ := dialHub(t, url)
	authenticate(t, ws, "user-1", "0xabc")

	testutil.MustWait(t, "user indexed", 2*time.Second, func() bool {
		return h.UserConnectionCount("user-1") == 1
	})
	if got := h.WalletConnectionCount("0xabc"); got != 1 {
		t.Fatalf("WalletConnectionCount = %d, want 1", got)
	}

	note := wire.MustNew(wire.TypeNotification, wire.Notification{Title: "hi"})
	if err := h.SendToUser(context.Background(), "user-1", note); err != nil {
		t.Fatalf("SendToUser: %v", err)
	}
	got := readMsg(t, ws)
	if got.Type != wire.TypeNotification {
		t.Fatalf("received type %q, want notification", got.Type)
	}
}

func TestAuthenticatorHookDecidesIdentity(t *testing.T) {
	t.Parallel()
	h, url := testutil.StartHub(t,
		hub.WithLogger(testutil.DiscardLogger()),
		hub.WithAuthenticator(func(_ context.Context, creds wire.AuthenticatePayload) (string, error) {
			if creds.Token == "bad-token" {
				return "", errors.New("unknown token")
			}
			return "resolved-" + creds.UserID, nil
		}),
	)

	ws, _ := dialHub(t, url)

	// Rejected credentials leave the connection anonymous.
	sendMsg(t, ws, wire.MustNew(wire.TypeAuthenticate, wire.AuthenticatePayload{Token: "bad-token", UserID: "mallory"}))
	time.Sleep(100 * time.Millisecond)
	if got := h.UserConnectionCount("mallory"); got != 0 {
		t.Fatalf("rejected auth bound user, count = %d", got)
	}

	authenticate(t, ws, "alice", "")
	testutil.MustWait(t, "hook-resolved user indexed", 2*time.Second, func() bool {
		return h.UserConnectionCount("resolved-alice") == 1
	})
	if got := h.UserConnectionCount("alice"); got != 0 {
		t.Fatalf("raw userId indexed despite authenticator, count = %d", got)
	}
}

func TestReauthenticateRebindsUser(t *testing.T) {
	t.Parallel()
	h, url := testutil.StartHub(t, hub.WithLogger(testutil.DiscardLogger()))

	ws, _ := dialHub(t, url)
	authenticate(t, ws, "user-a", "")
	testutil.MustWait(t, "first identity", 2*time.Second, func() bool {
		return h.UserConnectionCount("user-a") == 1
	})

	authenticate(t, ws, "user-b", "")
	testutil.MustWait(t, "second identity", 2*time.Second, func() bool {
		return h.UserConnectionCount("user-b") == 1
	})
	if got := h.UserConnectionCount("user-a"); got != 0 {
		t.Fatalf("old identity still indexed, count = %d", got)
	}
}

func TestSubscribeIndexesTopicAndWalletFilters(t *testing.T) {
	t.Parallel()
	h, url := testutil.StartHub(t, hub.WithLogger(testutil.DiscardLogger()))

	ws, _ := dialHub(t, url)
	sendMsg(t, ws, wire.MustNew(wire.TypeSubscribe, wire.Subscription{
		ID:      "sub-1",
		Topic:   wire.TopicPositions,
		Filters: map[string][]string{"walletAddress": {"0xabc"}},
	}))

	testutil.MustWait(t, "topic indexed", 2*time.Second, func() bool {
		return h.TopicSubscriberCount(wire.TopicPositions) == 1
	})
	if got := h.WalletConnectionCount("0xabc"); got != 1 {
		t.Fatalf("WalletConnectionCount = %d, want 1", got)
	}

	update := wire.MustNew(wire.TypeNotification, wire.Notification{Title: "position update"})
	if err := h.PublishTopic(context.Background(), wire.TopicPositions, update); err != nil {
		t.Fatalf("PublishTopic: %v", err)
	}
	if got := readMsg(t, ws); got.Type != wire.TypeNotification {
		t.Fatalf("topic subscriber received %q", got.Type)
	}

	if err := h.SendToWallet(context.Background(), "0xabc", update); err != nil {
		t.Fatalf("SendToWallet: %v", err)
	}
	if got := readMsg(t, ws); got.Type != wire.TypeNotification {
		t.Fatalf("wallet delivery received %q", got.Type)
	}
}

func TestSubscribeWithoutTopicIsRejected(t *testing.T) {
	t.Parallel()
	h, url := testutil.StartHub(t, hub.WithLogger(testutil.DiscardLogger()))

	ws, _ := dialHub(t, url)
	sendMsg(t, ws, wire.MustNew(wire.TypeSubscribe, wire.Subscription{ID: "sub-x"}))

	time.Sleep(100 * time.Millisecond)
	if got := h.Stats().Topics; got != 0 {
		t.Fatalf("topicless subscribe indexed something, topics = %d", got)
	}
}

func TestUnsubscribePrunesOnlyUnneededIndexes(t *testing.T) {
	t.Parallel()
	h, url := testutil.StartHub(t, hub.WithLogger(testutil.DiscardLogger()))

	ws, _ := dialHub(t, url)
	sendMsg(t, ws, wire.MustNew(wire.TypeSubscribe, wire.Subscription{
		ID:      "sub-1",
		Topic:   wire.TopicPositions,
		Filters: map[string][]string{"walletAddress": {"0xaaa"}},
	}))
	sendMsg(t, ws, wire.MustNew(wire.TypeSubscribe, wire.Subscription{
		ID:    "sub-2",
		Topic: wire.TopicPositions,
	}))
	testutil.MustWait(t, "wallet indexed", 2*time.Second, func() bool {
		return h.WalletConnectionCount("0xaaa") == 1
	})

	// Dropping sub-1 releases its wallet filter, but the topic is still
	// held by sub-2.
	sendMsg(t, ws, wire.MustNew(wire.TypeUnsubscribe, wire.Unsubscribe{ID: "sub-1"}))
	testutil.MustWait(t, "wallet pruned", 2*time.Second, func() bool {
		return h.WalletConnectionCount("0xaaa") == 0
	})
	if got := h.TopicSubscriberCount(wire.TopicPositions); got != 1 {
		t.Fatalf("topic pruned while sub-2 still active, count = %d", got)
	}

	sendMsg(t, ws, wire.MustNew(wire.TypeUnsubscribe, wire.Unsubscribe{ID: "sub-2"}))
	testutil.MustWait(t, "topic pruned", 2*time.Second, func() bool {
		return h.TopicSubscriberCount(wire.TopicPositions) == 0
	})
}

func TestAddressedSendsReportMissingRecipients(t *testing.T) {
	t.Parallel()
	h, _ := testutil.StartHub(t, hub.WithLogger(testutil.DiscardLogger()))
	ctx := context.Background()
	msg := wire.MustNew(wire.TypeNotification, wire.Notification{Title: "nobody home"})

	if err := h.SendToConnection(ctx, "ghost", msg); !errors.Is(err, hub.ErrNoRecipient) {
		t.Fatalf("SendToConnection err = %v, want ErrNoRecipient", err)
	}
	if err := h.SendToUser(ctx, "ghost", msg); !errors.Is(err, hub.ErrNoRecipient) {
		t.Fatalf("SendToUser err = %v, want ErrNoRecipient", err)
	}
	if err := h.SendToWallet(ctx, "0xghost", msg); !errors.Is(err, hub.ErrNoRecipient) {
		t.Fatalf("SendToWallet err = %v, want ErrNoRecipient", err)
	}

	// Fan-out sends treat an empty audience as a no-op.
	if err := h.Broadcast(ctx, msg); err != nil {
		t.Fatalf("Broadcast on empty hub: %v", err)
	}
	if err := h.PublishTopic(ctx, wire.TopicNotifications, msg); err != nil {
		t.Fatalf("PublishTopic with no subscribers: %v", err)
	}
}

func TestBroadcastReachesEveryConnection(t *testing.T) {
	t.Parallel()
	h, url := testutil.StartHub(t, hub.WithLogger(testutil.DiscardLogger()))

	ws1, _ := dialHub(t, url)
	ws2, _ := dialHub(t, url)

	msg := wire.MustNew(wire.TypeNotification, wire.Notification{Title: "all hands"})
	if err := h.Broadcast(context.Background(), msg); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if got := readMsg(t, ws1); got.Type != wire.TypeNotification {
		t.Fatalf("ws1 received %q", got.Type)
	}
	if got := readMsg(t, ws2); got.Type != wire.TypeNotification {
		t.Fatalf("ws2 received %q", got.Type)
	}
}

func TestCloseConnectionEvictsClient(t *testing.T) {
	t.Parallel()
	h, url := testutil.StartHub(t, hub.WithLogger(testutil.DiscardLogger()))

	ws, est := dialHub(t, url)
	if err := h.CloseConnection(est.ConnectionID, "kicked by test"); err != nil {
		t.Fatalf("CloseConnection: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var msg wire.Message
	if err := wsjson.Read(ctx, ws, &msg); err == nil {
		t.Fatal("read succeeded on a force-closed connection")
	}
	testutil.MustWait(t, "connection removed", 2*time.Second, func() bool {
		return h.ConnectionCount() == 0
	})

	if err := h.CloseConnection("ghost", "nope"); !errors.Is(err, hub.ErrNoRecipient) {
		t.Fatalf("CloseConnection(ghost) err = %v, want ErrNoRecipient", err)
	}
}

func TestSlowConsumerIsEvicted(t *testing.T) {
	t.Parallel()
	h, url := testutil.StartHub(t,
		hub.WithLogger(testutil.DiscardLogger()),
		hub.WithSendBuffer(1),
		hub.WithWriteTimeout(500*time.Millisecond),
	)

	_, est := dialHub(t, url)
	// The raw client never reads past the welcome frame, so the send
	// buffer jams almost immediately.
	payload := wire.Notification{Title: "spam", Body: strings.Repeat("x", 1024)}
	msg := wire.MustNew(wire.TypeNotification, payload)
	for i := 0; i < 200; i++ {
		_ = h.SendToConnection(context.Background(), est.ConnectionID, msg)
	}

	testutil.MustWait(t, "slow consumer evicted", 5*time.Second, func() bool {
		return h.ConnectionCount() == 0
	})
	if got := h.Stats().Dropped; got < 3 {
		t.Fatalf("Stats().Dropped = %d, want >= 3", got)
	}
}

func TestStatsSnapshot(t *testing.T) {
	t.Parallel()
	h, url := testutil.StartHub(t, hub.WithLogger(testutil.DiscardLogger()))

	ws, _ := dialHub(t, url)
	authenticate(t, ws, "user-1", "0xabc")
	sendMsg(t, ws, wire.MustNew(wire.TypeSubscribe, wire.Subscription{
		ID:    "sub-1",
		Topic: wire.TopicPortfolio,
	}))

	testutil.MustWait(t, "indexes populated", 2*time.Second, func() bool {
		s := h.Stats()
		return s.Connections == 1 && s.Users == 1 && s.Wallets == 1 && s.Topics == 1
	})
}

func TestUnknownInboundTypeIsIgnored(t *testing.T) {
	t.Parallel()
	h, url := testutil.StartHub(t, hub.WithLogger(testutil.DiscardLogger()))

	ws, _ := dialHub(t, url)
	sendMsg(t, ws, wire.MustNew(wire.TypeJobStarted, wire.JobStarted{JobID: "client-should-not-send-this"}))

	// The connection survives and still handles real traffic.
	authenticate(t, ws, "user-1", "")
	testutil.MustWait(t, "user indexed after junk frame", 2*time.Second, func() bool {
		return h.UserConnectionCount("user-1") == 1
	})
}

func TestShutdownClosesEverything(t *testing.T) {
	t.Parallel()
	h, url := testutil.StartHub(t, hub.WithLogger(testutil.DiscardLogger()))

	dialHub(t, url)
	dialHub(t, url)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := h.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}

	msg := wire.MustNew(wire.TypeNotification, wire.Notification{Title: "late"})
	if err := h.Broadcast(context.Background(), msg); !errors.Is(err, hub.ErrClosed) {
		t.Fatalf("Broadcast after shutdown err = %v, want ErrClosed", err)
	}

	// New upgrade attempts are turned away.
	resp, err := http.Get("http" + strings.TrimPrefix(url, "ws"))
	if err != nil {
		t.Fatalf("GET after shutdown: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status after shutdown = %d, want 503", resp.StatusCode)
	}
}

func TestConnectionIDsAreDistinct(t *testing.T) {
	t.Parallel()
	h, url := testutil.StartHub(t, hub.WithLogger(testutil.DiscardLogger()))

	const n = 8
	seen := make(map[string]bool, n)
	for i := 0; i < n; i++ {
		_, est := dialHub(t, url)
		if seen[est.ConnectionID] {
			t.Fatalf("duplicate connection id %s", est.ConnectionID)
		}
		seen[est.ConnectionID] = true
	}
	if got := h.ConnectionCount(); got != n {
		t.Fatalf("ConnectionCount = %d, want %d", got, n)
	}
}
