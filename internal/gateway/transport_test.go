// ABOUTME: Tests for the websocket and server-sent event transports
// ABOUTME: Covers admission rejections, sync on connect, pool isolation, fan-out, and Last-Event-ID resume

package gateway

import (
	"bufio"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/switchboard/internal/config"
	"github.com/2389/switchboard/internal/delivery"
	"github.com/2389/switchboard/internal/events"
)

func (tg *testGateway) wsURL(path string, query url.Values) string {
	u := "ws" + strings.TrimPrefix(tg.server.URL, "http") + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func (tg *testGateway) dialWidget(t *testing.T, dialogID string, query url.Values, origin string) *websocket.Conn {
	t.Helper()
	h := http.Header{}
	if origin != "" {
		h.Set("Origin", origin)
	}
	conn, _, err := websocket.DefaultDialer.Dial(tg.wsURL("/ws/widget/"+dialogID, query), h)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (tg *testGateway) dialOperator(t *testing.T, dialogID, token string) *websocket.Conn {
	t.Helper()
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	conn, _, err := websocket.DefaultDialer.Dial(tg.wsURL("/ws/operator/"+dialogID, nil), h)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (tg *testGateway) capabilityToken(t *testing.T, dialogID string) string {
	t.Helper()
	domains, err := tg.store.TenantDomains(t.Context(), "t1")
	require.NoError(t, err)
	tok, err := tg.issuer.Issue("t1", dialogID, domains)
	require.NoError(t, err)
	return tok
}

func readWSEvent(t *testing.T, conn *websocket.Conn) events.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return decodeEvent(t, data)
}

// closeCode reads until the server closes and returns the close code.
func closeCode(t *testing.T, conn *websocket.Conn) int {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		require.True(t, errors.As(err, &ce), "expected close error, got %v", err)
		return ce.Code
	}
}

func TestWidgetSocket_SyncReflectsCurrentState(t *testing.T) {
	tg := startGateway(t)
	tg.seed(t)
	op := tg.operatorToken(t, "op-1")

	tg.do(t, http.MethodPost, "/api/dialogs/d1/handoff", testServiceToken, HandoffRequest{Reason: "keyword", RequestID: "R1"}, nil)
	tg.do(t, http.MethodPost, "/api/dialogs/d1/takeover", op, TakeoverRequest{}, nil)
	tg.do(t, http.MethodPost, "/api/dialogs/d1/release", op, ReleaseRequest{}, nil)

	conn := tg.dialWidget(t, "d1", url.Values{"token": {tg.capabilityToken(t, "d1")}}, "https://www.shop.com")

	ev := readWSEvent(t, conn)
	require.Equal(t, events.TypeSync, ev.Type)
	assert.Equal(t, "none", ev.Sync.State.Status)
	assert.EqualValues(t, 3, ev.Sync.State.LastSeq)
}

func TestWidgetSocket_AnonymousFallback(t *testing.T) {
	tg := startGateway(t)
	tg.seed(t)

	conn := tg.dialWidget(t, "d1", url.Values{"assistant_id": {"a1"}, "guest_id": {"g1"}}, "https://shop.com")
	assert.Equal(t, events.TypeSync, readWSEvent(t, conn).Type)

	bad := tg.dialWidget(t, "d1", url.Values{"assistant_id": {"a1"}, "guest_id": {"someone-else"}}, "https://shop.com")
	assert.Equal(t, delivery.CloseForbidden, closeCode(t, bad))
}

func TestWidgetSocket_Rejections(t *testing.T) {
	tg := startGateway(t)
	tg.seed(t)
	token := tg.capabilityToken(t, "d1")

	tests := []struct {
		name   string
		dialog string
		query  url.Values
		origin string
		code   int
	}{
		{"no credentials", "d1", nil, "https://shop.com", delivery.CloseUnauthorized},
		{"garbage token", "d1", url.Values{"token": {"nope"}}, "https://shop.com", delivery.CloseUnauthorized},
		{"foreign origin", "d1", url.Values{"token": {token}}, "https://evil.com", delivery.CloseForbidden},
		{"embed host without parent", "d1", url.Values{"token": {token}}, "https://" + testEmbedHost, delivery.CloseForbidden},
		{"unknown dialog", "d404", url.Values{"token": {token}}, "https://shop.com", delivery.CloseNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := tg.dialWidget(t, tt.dialog, tt.query, tt.origin)
			assert.Equal(t, tt.code, closeCode(t, conn))
		})
	}

	// embed host with an allowed parent is accepted
	conn := tg.dialWidget(t, "d1", url.Values{"token": {token}, "parent_origin": {"https://shop.com"}}, "https://"+testEmbedHost)
	assert.Equal(t, events.TypeSync, readWSEvent(t, conn).Type)
}

func TestWidgetSocket_StaleTokenRejected(t *testing.T) {
	tg := startGateway(t)
	tg.seed(t)
	token := tg.capabilityToken(t, "d1")

	require.Equal(t, http.StatusOK, tg.do(t, http.MethodPut, "/api/tenants/t1/domains", testServiceToken,
		TenantRequest{AllowedDomains: []string{"shop.com", "other.com"}}, nil))

	conn := tg.dialWidget(t, "d1", url.Values{"token": {token}}, "https://shop.com")
	assert.Equal(t, delivery.CloseUnauthorized, closeCode(t, conn))
}

func TestWidgetSocket_RateLimited(t *testing.T) {
	tg := startGateway(t, func(c *config.Config) { c.RateLimit.MaxRequests = 1 })
	tg.seed(t)
	q := url.Values{"assistant_id": {"a1"}, "guest_id": {"g1"}}

	first := tg.dialWidget(t, "d1", q, "https://shop.com")
	assert.Equal(t, events.TypeSync, readWSEvent(t, first).Type)

	second := tg.dialWidget(t, "d1", q, "https://shop.com")
	assert.Equal(t, delivery.CloseRateLimited, closeCode(t, second))
}

func TestOperatorSocket_Rejections(t *testing.T) {
	tg := startGateway(t)
	tg.seed(t)

	conn := tg.dialOperator(t, "d1", "bogus")
	assert.Equal(t, delivery.CloseUnauthorized, closeCode(t, conn))

	tok, err := tg.sessions.Generate("op-x", "t2", nil, time.Hour)
	require.NoError(t, err)
	conn = tg.dialOperator(t, "d1", tok)
	assert.Equal(t, delivery.CloseForbidden, closeCode(t, conn))
}

func TestSockets_PoolIsolationAndFanOut(t *testing.T) {
	tg := startGateway(t)
	tg.seed(t)
	opToken := tg.operatorToken(t, "op-1")

	opConn := tg.dialOperator(t, "d1", opToken)
	require.Equal(t, events.TypeSync, readWSEvent(t, opConn).Type)
	widget := tg.dialWidget(t, "d1", url.Values{"token": {tg.capabilityToken(t, "d1")}}, "https://shop.com")
	require.Equal(t, events.TypeSync, readWSEvent(t, widget).Type)

	require.Eventually(t, func() bool {
		s := tg.registry.Status("d1")
		return s.Operator.Handles == 1 && s.Widget.Handles == 1
	}, time.Second, 5*time.Millisecond)

	status := tg.registry.Status("d1")
	assert.True(t, status.Consistent)
	for _, h := range tg.registry.Operators.Lookup("d1") {
		assert.Equal(t, "op-1", h.Metadata().Identity)
	}
	for _, h := range tg.registry.Widgets.Lookup("d1") {
		assert.Equal(t, "g1", h.Metadata().Identity)
	}

	tg.do(t, http.MethodPost, "/api/dialogs/d1/handoff", testServiceToken, HandoffRequest{Reason: "keyword"}, nil)

	for _, conn := range []*websocket.Conn{opConn, widget} {
		ev := readWSEvent(t, conn)
		require.Equal(t, events.TypeHandoff, ev.Type)
		assert.Equal(t, "requested", ev.Handoff.Status)
		assert.EqualValues(t, 1, ev.Handoff.Seq)
		assert.Equal(t, "test", ev.Source)
	}
}

func TestSockets_MessageWithNoOperatorIsNoop(t *testing.T) {
	tg := startGateway(t)
	tg.seed(t)

	widget := tg.dialWidget(t, "d1", url.Values{"token": {tg.capabilityToken(t, "d1")}}, "https://shop.com")
	require.Equal(t, events.TypeSync, readWSEvent(t, widget).Type)

	status := tg.do(t, http.MethodPost, "/api/dialogs/d1/messages", testServiceToken,
		MessageRequest{MessageID: "m1", Sender: "user", Text: "hello"}, nil)
	require.Equal(t, http.StatusAccepted, status)

	ev := readWSEvent(t, widget)
	require.Equal(t, events.TypeMessage, ev.Type)
	assert.Equal(t, "hello", ev.Message.Text)

	// buffered for stream resume even though no operator saw it
	missed, err := tg.delivery.Resume(t.Context(), "d1", ev.ID)
	require.NoError(t, err)
	assert.Empty(t, missed)
}

func TestOperatorSocket_MessageRequiresHeldDialog(t *testing.T) {
	tg := startGateway(t)
	tg.seed(t)
	opToken := tg.operatorToken(t, "op-1")

	opConn := tg.dialOperator(t, "d1", opToken)
	require.Equal(t, events.TypeSync, readWSEvent(t, opConn).Type)
	widget := tg.dialWidget(t, "d1", url.Values{"token": {tg.capabilityToken(t, "d1")}}, "https://shop.com")
	require.Equal(t, events.TypeSync, readWSEvent(t, widget).Type)

	// not held yet: dropped. The sync reply proves the frame was handled.
	require.NoError(t, opConn.WriteJSON(clientFrame{Type: frameMessage, Text: "too early"}))
	require.NoError(t, opConn.WriteJSON(clientFrame{Type: frameSync}))
	require.Equal(t, events.TypeSync, readWSEvent(t, opConn).Type)

	tg.do(t, http.MethodPost, "/api/dialogs/d1/handoff", testServiceToken, HandoffRequest{Reason: "x"}, nil)
	tg.do(t, http.MethodPost, "/api/dialogs/d1/takeover", opToken, TakeoverRequest{}, nil)
	require.NoError(t, opConn.WriteJSON(clientFrame{Type: frameMessage, Text: "hi, a human here", MessageID: "op-m1"}))

	var got []events.Event
	for len(got) < 3 {
		got = append(got, readWSEvent(t, widget))
	}
	assert.Equal(t, "requested", got[0].Handoff.Status)
	assert.Equal(t, "active", got[1].Handoff.Status)
	require.Equal(t, events.TypeMessage, got[2].Type)
	assert.Equal(t, "operator", got[2].Message.Sender)
	assert.Equal(t, "hi, a human here", got[2].Message.Text)
}

func TestSocket_ProtocolErrorCloses(t *testing.T) {
	tg := startGateway(t)
	tg.seed(t)

	conn := tg.dialWidget(t, "d1", url.Values{"assistant_id": {"a1"}, "guest_id": {"g1"}}, "https://shop.com")
	require.Equal(t, events.TypeSync, readWSEvent(t, conn).Type)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	assert.Equal(t, delivery.CloseProtocolError, closeCode(t, conn))

	require.Eventually(t, func() bool { return tg.registry.Totals().Widget == 0 }, time.Second, 5*time.Millisecond)
}

func TestSocket_SyncFrameResends(t *testing.T) {
	tg := startGateway(t)
	tg.seed(t)

	conn := tg.dialWidget(t, "d1", url.Values{"assistant_id": {"a1"}, "guest_id": {"g1"}}, "https://shop.com")
	require.Equal(t, events.TypeSync, readWSEvent(t, conn).Type)

	require.NoError(t, conn.WriteJSON(clientFrame{Type: frameSync}))
	assert.Equal(t, events.TypeSync, readWSEvent(t, conn).Type)
}

func TestSocket_ServerShutdownClosesGoingAway(t *testing.T) {
	tg := startGateway(t)
	tg.seed(t)

	conn := tg.dialWidget(t, "d1", url.Values{"assistant_id": {"a1"}, "guest_id": {"g1"}}, "https://shop.com")
	require.Equal(t, events.TypeSync, readWSEvent(t, conn).Type)

	tg.registry.CloseAll(delivery.CloseGoingAway, "bye")
	assert.Equal(t, delivery.CloseGoingAway, closeCode(t, conn))
}

type sseEvent struct {
	id, event, data string
}

// readSSE reads one event block, skipping comments.
func readSSE(t *testing.T, r *bufio.Reader) sseEvent {
	t.Helper()
	var ev sseEvent
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if ev.event != "" {
				return ev
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "id: "):
			ev.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			ev.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func (tg *testGateway) openStream(t *testing.T, dialogID string, query url.Values, header http.Header) (*http.Response, *bufio.Reader) {
	t.Helper()
	u := tg.server.URL + "/events/" + dialogID
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, u, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp, bufio.NewReader(resp.Body)
}

func TestEventStream_SyncThenLive(t *testing.T) {
	tg := startGateway(t)
	tg.seed(t)
	tg.do(t, http.MethodPost, "/api/dialogs/d1/handoff", testServiceToken, HandoffRequest{Reason: "keyword"}, nil)

	resp, r := tg.openStream(t, "d1", url.Values{"token": {tg.capabilityToken(t, "d1")}},
		http.Header{"Origin": {"https://shop.com"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	first := readSSE(t, r)
	require.Equal(t, "sync", first.event)
	ev := decodeEvent(t, []byte(first.data))
	assert.Equal(t, "requested", ev.Sync.State.Status)
	assert.EqualValues(t, 1, ev.Sync.State.QueuePosition)

	require.Eventually(t, func() bool { return tg.registry.Totals().Stream == 1 }, time.Second, 5*time.Millisecond)
	tg.do(t, http.MethodPost, "/api/dialogs/d1/messages", testServiceToken,
		MessageRequest{MessageID: "m1", Sender: "assistant", Text: "an operator is coming"}, nil)

	live := readSSE(t, r)
	assert.Equal(t, "message", live.event)
	assert.NotEmpty(t, live.id)
}

func TestEventStream_ResumeFromLastEventID(t *testing.T) {
	tg := startGateway(t)
	tg.seed(t)
	token := tg.capabilityToken(t, "d1")
	origin := http.Header{"Origin": {"https://shop.com"}}

	_, r := tg.openStream(t, "d1", url.Values{"token": {token}}, origin)
	require.Equal(t, "sync", readSSE(t, r).event)
	require.Eventually(t, func() bool { return tg.registry.Totals().Stream == 1 }, time.Second, 5*time.Millisecond)

	for _, id := range []string{"m1", "m2", "m3"} {
		tg.do(t, http.MethodPost, "/api/dialogs/d1/messages", testServiceToken,
			MessageRequest{MessageID: id, Sender: "assistant", Text: id}, nil)
	}
	var seen []sseEvent
	for len(seen) < 3 {
		seen = append(seen, readSSE(t, r))
	}

	h := origin.Clone()
	h.Set("Last-Event-ID", seen[0].id)
	_, r2 := tg.openStream(t, "d1", url.Values{"token": {token}}, h)
	replayed := []sseEvent{readSSE(t, r2), readSSE(t, r2)}
	assert.Equal(t, seen[1].id, replayed[0].id)
	assert.Equal(t, seen[2].id, replayed[1].id)

	h.Set("Last-Event-ID", "unknown-id")
	_, r3 := tg.openStream(t, "d1", url.Values{"token": {token}}, h)
	assert.Equal(t, "sync", readSSE(t, r3).event)
}

func TestEventStream_OperatorBearer(t *testing.T) {
	tg := startGateway(t)
	tg.seed(t)

	resp, r := tg.openStream(t, "d1", nil, http.Header{"Authorization": {"Bearer " + tg.operatorToken(t, "op-1")}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "sync", readSSE(t, r).event)
}

func TestEventStream_Rejections(t *testing.T) {
	tg := startGateway(t)
	tg.seed(t)

	resp, _ := tg.openStream(t, "d1", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = tg.openStream(t, "d1", url.Values{"token": {tg.capabilityToken(t, "d1")}}, http.Header{"Origin": {"https://evil.com"}})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestEventStream_RateLimitedRetryAfter(t *testing.T) {
	tg := startGateway(t, func(c *config.Config) { c.RateLimit.MaxRequests = 1 })
	tg.seed(t)

	resp, _ := tg.openStream(t, "d1", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = tg.openStream(t, "d1", nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}
