package gateway

import (
	"context"
	"encoding/json"

	"github.com/novelbytelabs/arqonbus/circuit"
	"github.com/novelbytelabs/arqonbus/envelope"
	"github.com/novelbytelabs/arqonbus/errors"
	"github.com/novelbytelabs/arqonbus/operator"
	"github.com/novelbytelabs/arqonbus/topictable"
)

// Scope separates commands the bus executes itself from commands that
// are routed to application operators like any other envelope.
const (
	ScopeBus = "bus"
	ScopeApp = "app"
)

// Command is the payload of a bus-scope command envelope.
type Command struct {
	Action string `json:"action"`
	Scope  string `json:"scope,omitempty"`

	Room    string `json:"room,omitempty"`
	Channel string `json:"channel,omitempty"`

	// join_channel
	Mode    string `json:"mode,omitempty"`
	Durable bool   `json:"durable,omitempty"`

	// create_channel
	Production         bool     `json:"production,omitempty"`
	Exportable         bool     `json:"exportable,omitempty"`
	InspectionRequired bool     `json:"inspection_required,omitempty"`
	InspectorChain     []string `json:"inspector_chain,omitempty"`

	// history
	Limit int `json:"limit,omitempty"`

	// register_operator / heartbeat
	Operator   *operator.Descriptor `json:"operator,omitempty"`
	OperatorID string               `json:"operator_id,omitempty"`

	// apply_circuit / remove_circuit
	Circuit   *circuit.Circuit `json:"circuit,omitempty"`
	CircuitID string           `json:"circuit_id,omitempty"`
}

// Response is the payload of every command_response envelope.
type Response struct {
	Action string          `json:"action"`
	Status string          `json:"status"` // ok | error
	Code   string          `json:"code,omitempty"`
	Error  string          `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

func okResponse(action string, result any) Response {
	resp := Response{Action: action, Status: "ok"}
	if result != nil {
		if raw, err := json.Marshal(result); err == nil {
			resp.Result = raw
		}
	}
	return resp
}

func errResponse(action string, err error) Response {
	return Response{
		Action: action,
		Status: "error",
		Code:   errors.Code(err),
		Error:  err.Error(),
	}
}

// handleCommand executes one bus-scope command and returns the
// response payload.
func (s *session) handleCommand(ctx context.Context, cmd Command) Response {
	switch cmd.Action {
	case "create_channel":
		return s.createChannel(cmd)
	case "delete_channel":
		return s.deleteChannel(cmd)
	case "join_channel":
		return s.joinChannel(ctx, cmd)
	case "leave_channel":
		return s.leaveChannel(cmd)
	case "presence":
		return s.presence(cmd)
	case "history":
		return s.history(cmd)
	case "status":
		return s.status()
	case "register_operator":
		return s.registerOperator(cmd)
	case "heartbeat":
		return s.heartbeat(cmd)
	case "apply_circuit":
		return s.applyCircuit(cmd)
	case "remove_circuit":
		return s.removeCircuit(cmd)
	default:
		return errResponse(cmd.Action, errors.WrapInvalid(errors.ErrMalformedEnvelope,
			"Session", "handleCommand", "unknown action "+cmd.Action))
	}
}

// topicFor resolves and authorizes the topic a command targets. Every
// room/channel command funnels through here, so the tenant boundary
// holds for create, join, delete, presence, and history alike.
func (s *session) topicFor(cmd Command) (envelope.Topic, error) {
	topic, err := envelope.JoinTopic(cmd.Room, cmd.Channel)
	if err != nil {
		return "", err
	}
	if !s.tenantAllowed(topic) {
		return "", errors.WrapInvalid(errors.ErrCapabilityDenied,
			"Session", "topicFor", "topic "+topic.String()+" outside tenant "+s.tenantID)
	}
	return topic, nil
}

func (s *session) createChannel(cmd Command) Response {
	topic, err := s.topicFor(cmd)
	if err != nil {
		return errResponse(cmd.Action, err)
	}
	// Operators additionally need the create_topic capability; plain
	// clients create channels inside their own tenant only, enforced in
	// topicFor.
	if _, isOperator := s.server.operators.Get(s.clientID); isOperator {
		if !s.server.operators.CanCreateTopic(s.clientID, topic) {
			return errResponse(cmd.Action, errors.WrapInvalid(errors.ErrCapabilityDenied,
				"Session", "createChannel", "operator "+s.clientID+" cannot create "+topic.String()))
		}
	}

	_, err = s.server.table.Create(topictable.TopicSpec{
		Name:               topic,
		Production:         cmd.Production,
		Exportable:         cmd.Exportable,
		InspectionRequired: cmd.InspectionRequired,
		InspectorChain:     cmd.InspectorChain,
	})
	if err != nil {
		return errResponse(cmd.Action, err)
	}
	s.server.refreshCounts()
	return okResponse(cmd.Action, map[string]string{"topic": topic.String()})
}

func (s *session) deleteChannel(cmd Command) Response {
	topic, err := s.topicFor(cmd)
	if err != nil {
		return errResponse(cmd.Action, err)
	}
	if !s.server.table.Delete(topic) {
		return errResponse(cmd.Action, errors.WrapInvalid(errors.ErrUnknownTopic,
			"Session", "deleteChannel", "no topic "+topic.String()))
	}
	s.server.refreshCounts()
	return okResponse(cmd.Action, map[string]string{"topic": topic.String()})
}

func (s *session) joinChannel(ctx context.Context, cmd Command) Response {
	topic, err := s.topicFor(cmd)
	if err != nil {
		return errResponse(cmd.Action, err)
	}

	rec, ok := s.server.table.Get(topic)
	if !ok {
		return errResponse(cmd.Action, errors.WrapInvalid(errors.ErrUnknownTopic,
			"Session", "joinChannel", "no topic "+topic.String()))
	}

	durable := cmd.Durable
	if _, isOperator := s.server.operators.Get(s.clientID); isOperator {
		if err := s.server.operators.CheckSubscribe(s.clientID, topic, rec.Production); err != nil {
			return errResponse(cmd.Action, err)
		}
		durable = true
	}

	sub, err := s.server.table.Subscribe(topic, topictable.SubscriptionSpec{
		SubscriberID: s.clientID,
		Mode:         topictable.DeliveryMode(cmd.Mode),
		Durable:      durable,
	})
	if err != nil {
		return errResponse(cmd.Action, err)
	}

	s.startPump(ctx, sub)
	if topic.TopicClass() == envelope.ClassMetrics {
		s.server.metrics.TelemetryConnections.Inc()
	}
	return okResponse(cmd.Action, map[string]string{"topic": topic.String()})
}

func (s *session) leaveChannel(cmd Command) Response {
	topic, err := s.topicFor(cmd)
	if err != nil {
		return errResponse(cmd.Action, err)
	}
	s.stopPump(topic)
	if err := s.server.table.Unsubscribe(topic, s.clientID, true); err != nil {
		return errResponse(cmd.Action, err)
	}
	if topic.TopicClass() == envelope.ClassMetrics {
		s.server.metrics.TelemetryConnections.Dec()
	}
	return okResponse(cmd.Action, map[string]string{"topic": topic.String()})
}

func (s *session) presence(cmd Command) Response {
	topic, err := s.topicFor(cmd)
	if err != nil {
		return errResponse(cmd.Action, err)
	}
	ids, err := s.server.table.Presence(topic)
	if err != nil {
		return errResponse(cmd.Action, err)
	}
	return okResponse(cmd.Action, map[string]any{"topic": topic.String(), "subscribers": ids})
}

func (s *session) history(cmd Command) Response {
	topic, err := s.topicFor(cmd)
	if err != nil {
		return errResponse(cmd.Action, err)
	}
	envs, err := s.server.table.Snapshot(topic, cmd.Limit)
	if err != nil {
		return errResponse(cmd.Action, err)
	}
	return okResponse(cmd.Action, map[string]any{"topic": topic.String(), "envelopes": envs})
}

func (s *session) status() Response {
	rooms, channels := s.server.table.Counts()
	return okResponse("status", map[string]any{
		"rooms":     rooms,
		"channels":  channels,
		"operators": s.server.operators.Count(),
		"circuits":  s.server.circuits.List(),
	})
}

func (s *session) registerOperator(cmd Command) Response {
	if cmd.Operator == nil {
		return errResponse(cmd.Action, errors.WrapInvalid(errors.ErrMalformedEnvelope,
			"Session", "registerOperator", "missing operator descriptor"))
	}
	if cmd.Operator.TenantID != s.tenantID {
		return errResponse(cmd.Action, errors.WrapInvalid(errors.ErrCapabilityDenied,
			"Session", "registerOperator", "descriptor tenant does not match session tenant"))
	}
	id, err := s.server.operators.Register(*cmd.Operator)
	if err != nil {
		return errResponse(cmd.Action, err)
	}
	return okResponse(cmd.Action, map[string]string{"operator_id": id})
}

func (s *session) heartbeat(cmd Command) Response {
	id := cmd.OperatorID
	if id == "" {
		id = s.clientID
	}
	if err := s.server.operators.Heartbeat(id); err != nil {
		return errResponse(cmd.Action, err)
	}
	return okResponse(cmd.Action, nil)
}

func (s *session) applyCircuit(cmd Command) Response {
	if cmd.Circuit == nil {
		return errResponse(cmd.Action, errors.WrapInvalid(errors.ErrCircuitInvalid,
			"Session", "applyCircuit", "missing circuit definition"))
	}
	// Circuits move traffic between topics, so every node is held to the
	// same tenant boundary as a direct publish or subscribe.
	for _, n := range cmd.Circuit.Nodes {
		if !s.tenantAllowed(n.Topic) {
			return errResponse(cmd.Action, errors.WrapInvalid(errors.ErrCapabilityDenied,
				"Session", "applyCircuit", "node topic "+n.Topic.String()+" outside tenant "+s.tenantID))
		}
	}
	if err := s.server.circuits.Apply(*cmd.Circuit, s.clientID); err != nil {
		return errResponse(cmd.Action, err)
	}
	return okResponse(cmd.Action, map[string]string{"circuit_id": cmd.Circuit.ID})
}

func (s *session) removeCircuit(cmd Command) Response {
	if err := s.server.circuits.Remove(cmd.CircuitID); err != nil {
		return errResponse(cmd.Action, err)
	}
	return okResponse(cmd.Action, map[string]string{"circuit_id": cmd.CircuitID})
}
