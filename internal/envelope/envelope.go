// Package envelope provides the application-layer message shape used for
// agent-to-agent messaging, kept here for collaborator compatibility.
// Neither overlay in this module carries or consumes it. It is a pure
// data-shape helper: no network I/O.
package envelope

import (
	"time"

	"github.com/google/uuid"
)

// ProtocolVersion is stamped on every Message this package constructs.
const ProtocolVersion = "1.0"

// Party identifies one side of a Message, optionally tagged with a
// participant kind ("human" or "agent").
type Party struct {
	ID     string `json:"id"`
	NodeID string `json:"node_id,omitempty"`
	Type   string `json:"type,omitempty"`
}

// Message is the standard application-layer envelope exchanged between
// humans and agents.
type Message struct {
	ProtocolVersion string         `json:"protocol_version"`
	MessageID       string         `json:"message_id"`
	ConversationID  string         `json:"conversation_id"`
	Timestamp       string         `json:"timestamp"`
	Sender          Party          `json:"sender"`
	Recipient       Party          `json:"recipient"`
	MessageType     string         `json:"message_type"`
	Content         map[string]any `json:"content"`
}

// Protocol builds Messages on behalf of one local identity.
type Protocol struct {
	agentID string
	nodeID  string
}

// New returns a Protocol that stamps agentID/nodeID as the sender on
// every message it creates.
func New(agentID, nodeID string) *Protocol {
	return &Protocol{agentID: agentID, nodeID: nodeID}
}

// CreateMessage builds a standard envelope addressed to recipientID. An
// empty conversationID gets a freshly-generated one, so a reply can
// reuse the original conversationID to stay threaded.
func (p *Protocol) CreateMessage(recipientID, messageType string, content map[string]any, conversationID string) Message {
	if conversationID == "" {
		conversationID = uuid.NewString()
	}
	return Message{
		ProtocolVersion: ProtocolVersion,
		MessageID:       uuid.NewString(),
		ConversationID:  conversationID,
		Timestamp:       time.Now().Format(time.RFC3339Nano),
		Sender:          Party{ID: p.agentID, NodeID: p.nodeID},
		Recipient:       Party{ID: recipientID},
		MessageType:     messageType,
		Content:         content,
	}
}

// CreateHumanMessage builds a request from a human to agentID asking it
// to perform task with optional parameters.
func (p *Protocol) CreateHumanMessage(agentID, task string, parameters map[string]any, conversationID string) Message {
	content := map[string]any{"task": task}
	if parameters != nil {
		content["parameters"] = parameters
	}
	msg := p.CreateMessage(agentID, "request", content, conversationID)
	msg.Sender.Type = "human"
	msg.Recipient.Type = "agent"
	return msg
}

// CreateAgentResponse builds a response from an agent back to humanID
// carrying result and status ("success" by default in spirit, but the
// caller always supplies it explicitly here since Go has no default
// argument).
func (p *Protocol) CreateAgentResponse(humanID string, result any, status, conversationID string) Message {
	content := map[string]any{"result": result, "status": status}
	msg := p.CreateMessage(humanID, "response", content, conversationID)
	msg.Sender.Type = "agent"
	msg.Recipient.Type = "human"
	return msg
}
