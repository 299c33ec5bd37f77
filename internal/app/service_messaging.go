package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"chronicle/api/internal/events"
	"chronicle/api/internal/store"
	"chronicle/api/internal/util"
)

// --- mail ---

func (s *Service) SendMail(ctx context.Context, p Principal, fromWS, toWS, subject, body, priority, threadID string) (store.Mail, *DomainError) {
	if derr := requireWrite(p); derr != nil {
		return store.Mail{}, derr
	}
	if derr := requireActorBinding(p, fromWS); derr != nil {
		return store.Mail{}, derr
	}
	sender, err := s.store.GetWorkspace(ctx, p.ProjectID, fromWS)
	if err != nil {
		return store.Mail{}, errNotFound("sender workspace not found")
	}
	if _, err := s.store.GetWorkspace(ctx, p.ProjectID, toWS); err != nil {
		return store.Mail{}, errNotFound("recipient workspace not found")
	}
	if priority == "" {
		priority = "normal"
	}

	m, err := s.store.InsertMail(ctx, store.Mail{
		ID: util.NewID("mail"), ProjectID: p.ProjectID, FromWS: fromWS, FromAlias: sender.Alias,
		ToWS: toWS, Subject: subject, Body: body, Priority: priority, ThreadID: threadID,
	})
	if err != nil {
		return store.Mail{}, errInternal(fmt.Sprintf("insert mail: %v", err))
	}

	if err := s.ephemeral.WakeInbox(ctx, toWS, m.ID); err != nil {
		// logged, not fatal: the recipient will still see it via poll
		log.Printf("app: wake inbox for mail %s: %v", m.ID, err)
	}
	s.publish(ctx, p.ProjectID, events.TypeMessageDelivered, toWS, "", map[string]any{"message_id": m.ID, "from": sender.Alias})
	return m, nil
}

func (s *Service) ListInbox(ctx context.Context, p Principal, workspaceID string, unreadOnly bool, limit int) ([]store.Mail, *DomainError) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	items, err := s.store.ListInbox(ctx, p.ProjectID, workspaceID, unreadOnly, limit)
	if err != nil {
		return nil, errInternal(err.Error())
	}
	return items, nil
}

func (s *Service) AckMail(ctx context.Context, p Principal, workspaceID, messageID string) (store.Mail, *DomainError) {
	if derr := requireWrite(p); derr != nil {
		return store.Mail{}, derr
	}
	if derr := requireActorBinding(p, workspaceID); derr != nil {
		return store.Mail{}, derr
	}
	m, err := s.store.AckMail(ctx, p.ProjectID, messageID, workspaceID)
	if err != nil {
		return store.Mail{}, mapStoreErr(err, "message not found")
	}
	s.publish(ctx, p.ProjectID, events.TypeMessageAcknowledged, workspaceID, "", map[string]any{"message_id": messageID})
	return m, nil
}

// --- chat ---

// ChatStartResult is the response body of POST /v1/chat/sessions.
type ChatStartResult struct {
	SessionID       string `json:"session_id"`
	InitialMessageID string `json:"initial_message_id"`
	SSEURL          string `json:"sse_url"`
}

func (s *Service) StartChat(ctx context.Context, p Principal, fromWS, fromAlias string, toAliases []string, message string, startConversation bool) (ChatStartResult, *DomainError) {
	if derr := requireWrite(p); derr != nil {
		return ChatStartResult{}, derr
	}
	if derr := requireActorBinding(p, fromWS); derr != nil {
		return ChatStartResult{}, derr
	}

	participants := append([]string{fromWS}, resolveAliasesToWorkspaceIDs(ctx, s, p.ProjectID, toAliases)...)
	session, _, err := s.store.GetOrCreateChatSession(ctx, util.NewID("chat"), p.ProjectID, participants)
	if err != nil {
		return ChatStartResult{}, errInternal(fmt.Sprintf("open chat session: %v", err))
	}

	msg, err := s.store.InsertChatMessage(ctx, store.ChatMessage{
		ID: util.NewID("cmsg"), SessionID: session.ID, FromWS: fromWS, FromAlias: fromAlias, Body: message,
	})
	if err != nil {
		return ChatStartResult{}, errInternal(fmt.Sprintf("insert chat message: %v", err))
	}

	s.publish(ctx, p.ProjectID, events.TypeChatMessageSent, fromWS, "", map[string]any{"session_id": session.ID, "message_id": msg.ID})
	return ChatStartResult{SessionID: session.ID, InitialMessageID: msg.ID, SSEURL: "/v1/status/stream"}, nil
}

func resolveAliasesToWorkspaceIDs(ctx context.Context, s *Service, projectID string, aliases []string) []string {
	ids := make([]string, 0, len(aliases))
	for _, alias := range aliases {
		ws, err := s.store.GetWorkspaceByAlias(ctx, projectID, alias)
		if err != nil {
			continue
		}
		ids = append(ids, ws.ID)
	}
	return ids
}

// ChatSendResult is the response body of POST /v1/chat/sessions/{id}/messages.
type ChatSendResult struct {
	MessageID string `json:"message_id"`
	Delivered bool   `json:"delivered"`
}

// SendChat implements C8's send/send-and-wait semantics. When wait > 0 it
// suspends until a qualifying reply, a peer leave, or the deadline.
func (s *Service) SendChat(ctx context.Context, p Principal, sessionID, fromWS, fromAlias, body string, leaving bool, wait time.Duration) (ChatSendResult, *DomainError) {
	if derr := requireWrite(p); derr != nil {
		return ChatSendResult{}, derr
	}
	if derr := requireActorBinding(p, fromWS); derr != nil {
		return ChatSendResult{}, derr
	}
	session, err := s.store.GetChatSession(ctx, p.ProjectID, sessionID)
	if err != nil {
		return ChatSendResult{}, errNotFound("chat session not found")
	}

	msg, err := s.store.InsertChatMessage(ctx, store.ChatMessage{
		ID: util.NewID("cmsg"), SessionID: sessionID, FromWS: fromWS, FromAlias: fromAlias, Body: body, Leaving: leaving,
	})
	if err != nil {
		return ChatSendResult{}, errInternal(fmt.Sprintf("insert chat message: %v", err))
	}

	delivered := s.signalChatPeers(ctx, session, fromWS, msg.ID)
	s.publish(ctx, p.ProjectID, events.TypeChatMessageSent, fromWS, "", map[string]any{"session_id": sessionID, "message_id": msg.ID})

	if wait <= 0 {
		return ChatSendResult{MessageID: msg.ID, Delivered: delivered}, nil
	}

	if cap := s.cfg.ChatWaitCap; wait > cap {
		wait = cap
	}
	waitDelivered := s.awaitChatSignal(ctx, sessionID, fromWS, wait)
	return ChatSendResult{MessageID: msg.ID, Delivered: waitDelivered}, nil
}

// signalChatPeers wakes every other participant's wait channel and
// reports whether at least one of those publishes succeeded. It does not
// check whether any participant was subscribed to receive the wake.
func (s *Service) signalChatPeers(ctx context.Context, session store.ChatSession, fromWS, messageID string) bool {
	woke := false
	for _, participant := range session.Participants {
		if participant == fromWS {
			continue
		}
		if err := s.ephemeral.SignalChatWait(ctx, session.ID, participant, messageID); err == nil {
			woke = true
		}
	}
	return woke
}

// awaitChatSignal opens a subscription on the sender's own wait channel
// and blocks until a peer's message releases it (signalled by
// signalChatPeers when that message is inserted, a send-and-leave message
// included) or timeout. It reports false on timeout or on a "leave"
// payload; signalChatPeers always publishes a message id.
func (s *Service) awaitChatSignal(ctx context.Context, sessionID, waiterWorkspaceID string, wait time.Duration) bool {
	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	pubsub := s.ephemeral.SubscribeChatWait(waitCtx, sessionID, waiterWorkspaceID)
	defer pubsub.Close()

	select {
	case msg, ok := <-pubsub.Channel():
		if !ok {
			return false
		}
		return msg.Payload != "leave"
	case <-waitCtx.Done():
		return false
	}
}

// ExtendChatWaitCap returns ChatWaitCap, the upper bound on a single chat
// wait, which the extend-wait endpoint reports to the caller. A wait lives
// entirely inside its blocked SendChat request, and the extend-wait
// endpoint does not change the deadline of any wait in progress.
func (s *Service) ExtendChatWaitCap() time.Duration {
	return s.cfg.ChatWaitCap
}

func (s *Service) ListChatPending(ctx context.Context, p Principal, workspaceID string) ([]store.ChatMessage, *DomainError) {
	sessions, err := s.chatSessionsForWorkspace(ctx, p.ProjectID, workspaceID)
	if err != nil {
		return nil, errInternal(err.Error())
	}
	pending := make([]store.ChatMessage, 0)
	for _, session := range sessions {
		msgs, err := s.store.ListChatMessages(ctx, session.ID, "", 500)
		if err != nil {
			return nil, errInternal(err.Error())
		}
		for _, m := range msgs {
			if m.FromWS != workspaceID {
				pending = append(pending, m)
			}
		}
	}
	return pending, nil
}

func (s *Service) ChatHistory(ctx context.Context, p Principal, sessionID, since string, limit int) ([]store.ChatMessage, *DomainError) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if _, err := s.store.GetChatSession(ctx, p.ProjectID, sessionID); err != nil {
		return nil, errNotFound("chat session not found")
	}
	items, err := s.store.ListChatMessages(ctx, sessionID, since, limit)
	if err != nil {
		return nil, errInternal(err.Error())
	}
	return items, nil
}

// chatSessionsForWorkspace lists the project's chat sessions whose
// participant set contains workspaceID, filtered by the store query.
func (s *Service) chatSessionsForWorkspace(ctx context.Context, projectID, workspaceID string) ([]store.ChatSession, error) {
	return s.store.ListChatSessionsForParticipant(ctx, projectID, workspaceID)
}

func (s *Service) AdminListSessions(ctx context.Context, p Principal) ([]store.ChatSession, *DomainError) {
	items, err := s.store.ListChatSessions(ctx, p.ProjectID)
	if err != nil {
		return nil, errInternal(err.Error())
	}
	return items, nil
}

// AdminJoin lets a dashboard workspace join a session as an observer;
// idempotent if it already belongs.
func (s *Service) AdminJoin(ctx context.Context, p Principal, sessionID, workspaceID, alias string) *DomainError {
	if derr := requireWrite(p); derr != nil {
		return derr
	}
	joined, err := s.store.AddChatParticipant(ctx, p.ProjectID, sessionID, workspaceID)
	if err != nil {
		return mapStoreErr(err, "chat session not found")
	}
	if joined {
		if _, err := s.store.InsertChatMessage(ctx, store.ChatMessage{
			ID: util.NewID("cmsg"), SessionID: sessionID, FromWS: workspaceID, FromAlias: alias,
			Body: fmt.Sprintf("%s joined as observer", alias), Observer: true,
		}); err != nil {
			return errInternal(err.Error())
		}
	}
	return nil
}
