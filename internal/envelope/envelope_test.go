package envelope

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCreateHumanMessageTagsPartiesAndCarriesTask(t *testing.T) {
	p := New("human-1", "")
	msg := p.CreateHumanMessage("agent-7", "translate", map[string]any{"lang": "fr"}, "")

	assert.Equal(t, "human", msg.Sender.Type)
	assert.Equal(t, "agent", msg.Recipient.Type)
	assert.Equal(t, "agent-7", msg.Recipient.ID)
	assert.Equal(t, "request", msg.MessageType)
	assert.Equal(t, "translate", msg.Content["task"])
	assert.NotEmpty(t, msg.ConversationID)
	assert.NotEmpty(t, msg.MessageID)
}

func TestCreateAgentResponsePreservesConversationID(t *testing.T) {
	p := New("agent-7", "node-x")
	request := p.CreateHumanMessage("agent-7", "translate", nil, "")
	response := p.CreateAgentResponse("human-1", map[string]any{"text": "bonjour"}, "success", request.ConversationID)

	assert.Equal(t, request.ConversationID, response.ConversationID)
	assert.Equal(t, "agent", response.Sender.Type)
	assert.Equal(t, "human", response.Recipient.Type)
	assert.Equal(t, "success", response.Content["status"])
}
