// Package mock provides a recording Discord session for tests.
package mock

import (
	"fmt"
	"sync"

	"github.com/bwmarrin/discordgo"
)

// SentMessage is one recorded ChannelMessageSendComplex call.
type SentMessage struct {
	ChannelID string
	Message   *discordgo.MessageSend
	ID        string
}

// Session records interaction responses and channel messages. Sent
// messages get the ids "msg-1", "msg-2", ... in order. It is safe for
// concurrent use.
type Session struct {
	mu        sync.Mutex
	responses []*discordgo.InteractionResponse
	followUps []*discordgo.WebhookParams
	sent      []SentMessage
	edits     []*discordgo.MessageEdit

	// Err, when non-nil, is returned by every call.
	Err error
}

// InteractionRespond records resp.
func (m *Session) InteractionRespond(_ *discordgo.Interaction, resp *discordgo.InteractionResponse, _ ...discordgo.RequestOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, resp)
	return m.Err
}

// FollowupMessageCreate records data.
func (m *Session) FollowupMessageCreate(_ *discordgo.Interaction, _ bool, data *discordgo.WebhookParams, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.followUps = append(m.followUps, data)
	if m.Err != nil {
		return nil, m.Err
	}
	return &discordgo.Message{ID: "mock-followup"}, nil
}

// ChannelMessageSendComplex records data.
func (m *Session) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	id := fmt.Sprintf("msg-%d", len(m.sent)+1)
	m.sent = append(m.sent, SentMessage{ChannelID: channelID, Message: data, ID: id})
	return &discordgo.Message{ID: id, ChannelID: channelID}, nil
}

// ChannelMessageEditComplex records e.
func (m *Session) ChannelMessageEditComplex(e *discordgo.MessageEdit, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.edits = append(m.edits, e)
	if m.Err != nil {
		return nil, m.Err
	}
	return &discordgo.Message{ID: e.ID, ChannelID: e.Channel}, nil
}

// Responses returns a copy of the recorded interaction responses.
func (m *Session) Responses() []*discordgo.InteractionResponse {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*discordgo.InteractionResponse(nil), m.responses...)
}

// LastResponse returns the most recent interaction response, or nil.
func (m *Session) LastResponse() *discordgo.InteractionResponse {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.responses) == 0 {
		return nil
	}
	return m.responses[len(m.responses)-1]
}

// FollowUps returns a copy of the recorded follow-ups.
func (m *Session) FollowUps() []*discordgo.WebhookParams {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*discordgo.WebhookParams(nil), m.followUps...)
}

// Sent returns a copy of the recorded channel messages.
func (m *Session) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.sent...)
}

// Edits returns a copy of the recorded message edits.
func (m *Session) Edits() []*discordgo.MessageEdit {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*discordgo.MessageEdit(nil), m.edits...)
}

// Reset clears everything recorded.
func (m *Session) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses, m.followUps, m.sent, m.edits = nil, nil, nil, nil
	m.Err = nil
}
