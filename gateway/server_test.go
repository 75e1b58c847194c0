package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/novelbytelabs/arqonbus/circuit"
	"github.com/novelbytelabs/arqonbus/envelope"
	"github.com/novelbytelabs/arqonbus/inspect"
	"github.com/novelbytelabs/arqonbus/operator"
	"github.com/novelbytelabs/arqonbus/router"
	"github.com/novelbytelabs/arqonbus/telemetry"
	"github.com/novelbytelabs/arqonbus/topictable"
)

type gatewayFixture struct {
	server *Server
	ts     *httptest.Server
	table  *topictable.Table
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()

	table := topictable.New(topictable.DefaultConfig(), nil)
	operators := operator.NewRegistry(operator.HeartbeatPolicy{}, nil)
	pipeline := inspect.NewPipeline(100*time.Millisecond, inspect.NewAuditLog(64, nil, nil), nil)
	metrics := telemetry.NewMetrics()
	rt := router.New(table, operators, pipeline, metrics)
	circuits := circuit.NewEngine(table, operators)

	cfg := DefaultConfig()
	cfg.JWTSecret = "test-secret"
	srv, err := NewServer(cfg, rt, table, operators, circuits, metrics, nil)
	require.NoError(t, err)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		srv.handleWebSocket(context.Background(), w, r)
	}))
	t.Cleanup(ts.Close)

	return &gatewayFixture{server: srv, ts: ts, table: table}
}

func (f *gatewayFixture) dial(t *testing.T, clientID string) *websocket.Conn {
	t.Helper()
	token, err := f.server.auth.Mint(clientID, "acme", time.Minute)
	require.NoError(t, err)

	url := strings.Replace(f.ts.URL, "http", "ws", 1) + "?token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendEnvelope(t *testing.T, conn *websocket.Conn, env *envelope.Envelope) {
	t.Helper()
	data, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func sendCommand(t *testing.T, conn *websocket.Conn, origin string, cmd Command) *envelope.Envelope {
	t.Helper()
	payload, err := json.Marshal(cmd)
	require.NoError(t, err)
	env, err := envelope.New(envelope.KindCommand, "system.control", origin, payload)
	require.NoError(t, err)
	sendEnvelope(t, conn, env)
	return env
}

func readEnvelope(t *testing.T, conn *websocket.Conn) *envelope.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	env, err := envelope.Decode(data)
	require.NoError(t, err)
	return env
}

func readResponse(t *testing.T, conn *websocket.Conn) (*envelope.Envelope, Response) {
	t.Helper()
	env := readEnvelope(t, conn)
	require.Equal(t, envelope.KindCommandResponse, env.Kind())
	var resp Response
	require.NoError(t, json.Unmarshal(env.Payload(), &resp))
	return env, resp
}

func TestRejectsBadToken(t *testing.T) {
	f := newGatewayFixture(t)

	url := strings.Replace(f.ts.URL, "http", "ws", 1) + "?token=garbage"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCreateJoinPublishReceive(t *testing.T) {
	f := newGatewayFixture(t)
	alice := f.dial(t, "alice")
	bob := f.dial(t, "bob")

	cmdEnv := sendCommand(t, alice, "alice", Command{
		Action: "create_channel", Scope: ScopeBus, Room: "acme", Channel: "explore",
	})
	respEnv, resp := readResponse(t, alice)
	assert.Equal(t, cmdEnv.ID(), respEnv.CorrelationID())
	require.Equal(t, "ok", resp.Status)

	sendCommand(t, alice, "alice", Command{
		Action: "join_channel", Scope: ScopeBus, Room: "acme", Channel: "explore",
	})
	_, resp = readResponse(t, alice)
	require.Equal(t, "ok", resp.Status)

	payload := json.RawMessage(`{"msg":"hi"}`)
	env, err := envelope.New(envelope.KindEvent, "acme.explore", "bob", payload)
	require.NoError(t, err)
	sendEnvelope(t, bob, env)

	got := readEnvelope(t, alice)
	assert.Equal(t, envelope.KindEvent, got.Kind())
	assert.Equal(t, env.ID(), got.ID())
	assert.Equal(t, "bob", got.Origin())
	assert.JSONEq(t, `{"msg":"hi"}`, string(got.Payload()))
}

func TestTenantBoundaryDeniesForeignNamespace(t *testing.T) {
	f := newGatewayFixture(t)
	alice := f.dial(t, "alice") // tenant "acme"

	// Foreign topic exists; alice must not be able to touch it.
	_, err := f.table.Create(topictable.TopicSpec{Name: "rival.secrets"})
	require.NoError(t, err)

	for _, action := range []string{"create_channel", "join_channel", "history", "presence"} {
		sendCommand(t, alice, "alice", Command{
			Action: action, Scope: ScopeBus, Room: "rival", Channel: "secrets",
		})
		_, resp := readResponse(t, alice)
		assert.Equal(t, "error", resp.Status, action)
		assert.Equal(t, "capability_denied", resp.Code, action)
	}

	env, err := envelope.New(envelope.KindEvent, "rival.secrets", "alice", json.RawMessage(`{}`))
	require.NoError(t, err)
	sendEnvelope(t, alice, env)

	respEnv, resp := readResponse(t, alice)
	assert.Equal(t, env.ID(), respEnv.CorrelationID())
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, "capability_denied", resp.Code)

	envs, err := f.table.Snapshot("rival.secrets", 0)
	require.NoError(t, err)
	assert.Empty(t, envs)

	// Circuits are held to the same boundary: no siphoning a foreign
	// topic into an owned one.
	_, err = f.table.Create(topictable.TopicSpec{Name: "acme.sink"})
	require.NoError(t, err)
	sendCommand(t, alice, "alice", Command{
		Action: "apply_circuit", Scope: ScopeBus,
		Circuit: &circuit.Circuit{
			ID: "siphon",
			Nodes: []circuit.Node{
				{Topic: "rival.secrets", Role: circuit.RoleSource, Tier: operator.Tier1},
				{Topic: "acme.sink", Role: circuit.RoleSink, Tier: operator.Tier1},
			},
			Edges: []circuit.Edge{{From: "rival.secrets", To: "acme.sink"}},
		},
	})
	_, resp = readResponse(t, alice)
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, "capability_denied", resp.Code)
}

func TestTenantBoundaryCoversSystemTopics(t *testing.T) {
	f := newGatewayFixture(t)
	alice := f.dial(t, "alice") // tenant "acme"

	_, err := f.table.Create(topictable.TopicSpec{Name: "rival.system.deadletter"})
	require.NoError(t, err)

	sendCommand(t, alice, "alice", Command{
		Action: "join_channel", Scope: ScopeBus, Room: "rival.system", Channel: "deadletter",
	})
	_, resp := readResponse(t, alice)
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, "capability_denied", resp.Code)

	// The same channel inside the client's own tenant is fair game.
	_, err = f.table.Create(topictable.TopicSpec{Name: "acme.system.deadletter"})
	require.NoError(t, err)
	sendCommand(t, alice, "alice", Command{
		Action: "join_channel", Scope: ScopeBus, Room: "acme.system", Channel: "deadletter",
	})
	_, resp = readResponse(t, alice)
	assert.Equal(t, "ok", resp.Status)
}

func TestOperatorCrossesTenantsByCapability(t *testing.T) {
	f := newGatewayFixture(t)
	op := f.dial(t, "op-1")

	sendCommand(t, op, "op-1", Command{
		Action: "register_operator", Scope: ScopeBus,
		Operator: &operator.Descriptor{
			OperatorID:   "op-1",
			TenantID:     "acme",
			OperatorType: "substrate",
			OperatorTier: "1",
			Capabilities: []string{"publish:shared.>", "subscribe:shared.>", "create_topic:shared.>"},
		},
	})
	_, resp := readResponse(t, op)
	require.Equal(t, "ok", resp.Status)

	// Registered operators are governed by capability patterns, not the
	// plain-client tenant prefix.
	sendCommand(t, op, "op-1", Command{
		Action: "create_channel", Scope: ScopeBus, Room: "shared", Channel: "feed",
	})
	_, resp = readResponse(t, op)
	require.Equal(t, "ok", resp.Status)

	sendCommand(t, op, "op-1", Command{
		Action: "join_channel", Scope: ScopeBus, Room: "shared", Channel: "feed",
	})
	_, resp = readResponse(t, op)
	assert.Equal(t, "ok", resp.Status)
}

func TestSpoofedOriginRejected(t *testing.T) {
	f := newGatewayFixture(t)
	alice := f.dial(t, "alice")

	env, err := envelope.New(envelope.KindEvent, "science.explore", "mallory",
		json.RawMessage(`{}`))
	require.NoError(t, err)
	sendEnvelope(t, alice, env)

	_, resp := readResponse(t, alice)
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, "auth_failed", resp.Code)
}

func TestPublishToUnknownTopicReturnsError(t *testing.T) {
	f := newGatewayFixture(t)
	alice := f.dial(t, "alice")

	env, err := envelope.New(envelope.KindEvent, "acme.missing", "alice", json.RawMessage(`{}`))
	require.NoError(t, err)
	sendEnvelope(t, alice, env)

	respEnv, resp := readResponse(t, alice)
	assert.Equal(t, env.ID(), respEnv.CorrelationID())
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, "unknown_topic", resp.Code)
}

func TestMalformedFrameAnsweredNotDisconnected(t *testing.T) {
	f := newGatewayFixture(t)
	alice := f.dial(t, "alice")

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte(`{"not":"an envelope"}`)))

	_, resp := readResponse(t, alice)
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, "malformed_envelope", resp.Code)

	// Connection still works.
	sendCommand(t, alice, "alice", Command{Action: "status", Scope: ScopeBus})
	_, resp = readResponse(t, alice)
	assert.Equal(t, "ok", resp.Status)
}

func TestRegisterOperatorAndHeartbeat(t *testing.T) {
	f := newGatewayFixture(t)
	op := f.dial(t, "op-1")

	sendCommand(t, op, "op-1", Command{
		Action: "register_operator", Scope: ScopeBus,
		Operator: &operator.Descriptor{
			OperatorID:   "op-1",
			TenantID:     "acme",
			OperatorType: "substrate",
			OperatorTier: "1",
			Capabilities: []string{"publish:acme.>", "subscribe:acme.>"},
		},
	})
	_, resp := readResponse(t, op)
	require.Equal(t, "ok", resp.Status)

	sendCommand(t, op, "op-1", Command{Action: "heartbeat", Scope: ScopeBus})
	_, resp = readResponse(t, op)
	assert.Equal(t, "ok", resp.Status)
}

func TestRegisterOperatorTenantMismatch(t *testing.T) {
	f := newGatewayFixture(t)
	op := f.dial(t, "op-1")

	sendCommand(t, op, "op-1", Command{
		Action: "register_operator", Scope: ScopeBus,
		Operator: &operator.Descriptor{
			OperatorID:   "op-1",
			TenantID:     "rival",
			OperatorType: "substrate",
			OperatorTier: "1",
		},
	})
	_, resp := readResponse(t, op)
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, "capability_denied", resp.Code)
}

func TestHistoryCommand(t *testing.T) {
	f := newGatewayFixture(t)
	alice := f.dial(t, "alice")

	sendCommand(t, alice, "alice", Command{
		Action: "create_channel", Scope: ScopeBus, Room: "acme", Channel: "explore",
	})
	_, resp := readResponse(t, alice)
	require.Equal(t, "ok", resp.Status)

	for i := 0; i < 3; i++ {
		env, err := envelope.New(envelope.KindEvent, "acme.explore", "alice",
			json.RawMessage(`{"n":1}`))
		require.NoError(t, err)
		sendEnvelope(t, alice, env)
	}

	// Publishes produce no response; poll the table until routing has
	// retained them, then ask over the wire.
	require.Eventually(t, func() bool {
		envs, err := f.table.Snapshot("acme.explore", 0)
		return err == nil && len(envs) == 3
	}, 2*time.Second, 10*time.Millisecond)

	sendCommand(t, alice, "alice", Command{
		Action: "history", Scope: ScopeBus, Room: "acme", Channel: "explore", Limit: 2,
	})
	_, resp = readResponse(t, alice)
	require.Equal(t, "ok", resp.Status)

	var result struct {
		Envelopes []json.RawMessage `json:"envelopes"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Len(t, result.Envelopes, 2)
}

func TestApplyCircuitOverWire(t *testing.T) {
	f := newGatewayFixture(t)
	alice := f.dial(t, "alice")

	for _, ch := range []string{"jobs", "results"} {
		sendCommand(t, alice, "alice", Command{
			Action: "create_channel", Scope: ScopeBus, Room: "acme.lab", Channel: ch,
		})
		_, resp := readResponse(t, alice)
		require.Equal(t, "ok", resp.Status)
	}

	sendCommand(t, alice, "alice", Command{
		Action: "apply_circuit", Scope: ScopeBus,
		Circuit: &circuit.Circuit{
			ID: "c1",
			Nodes: []circuit.Node{
				{Topic: "acme.lab.jobs", Role: circuit.RoleSource, Tier: operator.Tier1},
				{Topic: "acme.lab.results", Role: circuit.RoleSink, Tier: operator.Tier1},
			},
			Edges: []circuit.Edge{{From: "acme.lab.jobs", To: "acme.lab.results"}},
		},
	})
	_, resp := readResponse(t, alice)
	require.Equal(t, "ok", resp.Status)

	rec, ok := f.table.Get("acme.lab.jobs")
	require.True(t, ok)
	assert.Len(t, rec.Forwarding(), 1)

	sendCommand(t, alice, "alice", Command{
		Action: "remove_circuit", Scope: ScopeBus, CircuitID: "c1",
	})
	_, resp = readResponse(t, alice)
	assert.Equal(t, "ok", resp.Status)
}
