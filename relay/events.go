package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"zenchat/assistant"
	"zenchat/auth"
	"zenchat/database"
	"zenchat/logging"
	"zenchat/metrics"
	"zenchat/models"
)

type eventHandler func(c *Client, ev models.Event) error

// storeTimeout bounds persistence work done on behalf of one event
const storeTimeout = 10 * time.Second

var errBadPayload = errors.New("bad payload")

func (h *Hub) eventTable() map[string]eventHandler {
	return map[string]eventHandler{
		models.EventJoin:         h.handleJoin,
		models.EventSendMessage:  h.handleSendMessage,
		models.EventMessageAck:   h.handleMessageAck,
		models.EventTyping:       h.handleTyping,
		models.EventCallOffer:    h.handleCallOffer,
		models.EventCallAnswer:   h.handleCallAnswer,
		models.EventICECandidate: h.handleICECandidate,
		models.EventCallEnd:      h.handleCallEnd,
	}
}

func badPayload(event string, err error) error {
	if err == nil {
		return fmt.Errorf("%s: %w", event, errBadPayload)
	}
	return fmt.Errorf("%s: %w: %v", event, errBadPayload, err)
}

func (h *Hub) handleJoin(c *Client, ev models.Event) error {
	var p models.JoinPayload
	if err := ev.Decode(&p); err != nil || p.UserID == "" {
		c.replyError(ev.Name, "BAD_PAYLOAD", "userId is required")
		return badPayload(ev.Name, err)
	}

	if current := c.UserID(); current != "" && current != p.UserID {
		c.replyError(ev.Name, "ALREADY_JOINED", "connection already joined as another user")
		return errors.New("join as a second user")
	}

	ctx, cancel := context.WithTimeout(h.ctx, storeTimeout)
	defer cancel()

	if h.opts.Tokens != nil {
		if err := h.authenticate(ctx, p); err != nil {
			c.replyError(ev.Name, "UNAUTHORIZED", "invalid token")
			return fmt.Errorf("join token: %w", err)
		}
	}

	if _, err := h.store.GetUser(ctx, p.UserID); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			c.replyError(ev.Name, "UNKNOWN_USER", "user does not exist")
		} else {
			c.replyError(ev.Name, "INTERNAL", "could not load user")
		}
		return fmt.Errorf("join lookup: %w", err)
	}

	groups, err := h.store.GroupsForUser(ctx, p.UserID)
	if err != nil {
		c.replyError(ev.Name, "INTERNAL", "could not load groups")
		return fmt.Errorf("join groups: %w", err)
	}

	wasOnline := h.dir.Online(p.UserID)
	c.setUser(p.UserID)

	rooms := []string{userRoom(p.UserID)}
	groupIDs := make([]string, 0, len(groups))
	for _, g := range groups {
		rooms = append(rooms, groupRoom(g.ID))
		groupIDs = append(groupIDs, g.ID)
	}
	h.join(c, rooms...)
	h.dir.Register(p.UserID, c)
	metrics.RelayOnlineUsers.Set(float64(h.dir.Count()))

	logging.Info().
		Str("user_id", p.UserID).
		Str("conn_id", c.id).
		Int("groups", len(groupIDs)).
		Msg("User joined")

	c.reply(models.EventJoined, models.JoinedPayload{
		UserID:        p.UserID,
		Groups:        groupIDs,
		AckTimeoutMs:  h.opts.Relay.AckTimeout.Milliseconds(),
		RingTimeoutMs: h.opts.Relay.RingTimeout.Milliseconds(),
	})
	if h.opts.Relay.PresenceBroadcast && !wasOnline {
		h.broadcastStatus(p.UserID, true)
	}
	return nil
}

// authenticate checks that the token is valid for the joining user and that
// the session it names is still live
func (h *Hub) authenticate(ctx context.Context, p models.JoinPayload) error {
	if p.Token == "" {
		return auth.ErrInvalidToken
	}
	claims, err := h.opts.Tokens.Verify(p.Token)
	if err != nil {
		return err
	}
	if claims.UserID() != p.UserID {
		return auth.ErrInvalidToken
	}
	session, err := h.store.GetSession(ctx, claims.SessionID)
	if err != nil {
		return err
	}
	if session.UserID != p.UserID {
		return auth.ErrInvalidToken
	}
	return nil
}

// handleSendMessage persists first, then acks the sending connection and
// forwards. Redelivered ids are acked again but not forwarded twice.
func (h *Hub) handleSendMessage(c *Client, ev models.Event) error {
	var p models.SendMessagePayload
	if err := ev.Decode(&p); err != nil {
		c.replyError(ev.Name, "BAD_PAYLOAD", "invalid message payload")
		return badPayload(ev.Name, err)
	}

	sender := c.UserID()
	msg := p.Message
	if p.TargetID != "" {
		msg.TargetID = p.TargetID
	}
	msg.SenderID = sender
	msg.Status = models.StatusSent
	if msg.Type == "" {
		msg.Type = models.MessageText
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	if !msg.Valid() {
		c.reply(models.EventMessageAck, models.AckPayload{MessageID: msg.ID, Status: models.StatusError})
		c.replyError(ev.Name, "INVALID_MESSAGE", "message is incomplete")
		return errors.New("invalid message")
	}

	ctx, cancel := context.WithTimeout(h.ctx, storeTimeout)
	defer cancel()

	var (
		err      error
		followUp func()
	)
	switch {
	case msg.TargetID == sender:
		err = h.sendToSelf(ctx, c, &msg)
	case h.opts.Assistant != nil && msg.TargetID == h.opts.AssistantID:
		followUp, err = h.sendToAssistant(ctx, c, &msg)
	default:
		var group *models.Group
		group, err = h.store.GetGroup(ctx, msg.TargetID)
		switch {
		case err == nil:
			err = h.sendToGroup(ctx, c, group, &msg)
		case errors.Is(err, database.ErrNotFound):
			err = h.sendDirect(ctx, c, &msg)
		}
	}

	if err != nil {
		c.reply(models.EventMessageAck, models.AckPayload{MessageID: msg.ID, Status: models.StatusError})
		return fmt.Errorf("send-message %s: %w", msg.ID, err)
	}
	c.reply(models.EventMessageAck, models.AckPayload{MessageID: msg.ID, Status: models.StatusSent})
	if followUp != nil {
		followUp()
	}
	return nil
}

func (h *Hub) persist(ctx context.Context, key models.ConversationKey, msg *models.Message) (bool, error) {
	appended, err := h.store.AppendMessage(ctx, key, msg)
	if err != nil {
		return false, err
	}
	if appended {
		kind := "direct"
		if key.IsGroup() {
			kind = "group"
		}
		metrics.MessagesPersisted.WithLabelValues(kind).Inc()
	}
	return appended, nil
}

// sendToSelf appends to the saved-messages log. The client already shows
// its own copy, so nothing is echoed back.
func (h *Hub) sendToSelf(ctx context.Context, _ *Client, msg *models.Message) error {
	_, err := h.persist(ctx, models.DirectKey(msg.SenderID, msg.SenderID), msg)
	return err
}

func (h *Hub) sendDirect(ctx context.Context, c *Client, msg *models.Message) error {
	if _, err := h.store.GetUser(ctx, msg.TargetID); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			c.replyError(models.EventSendMessage, "UNKNOWN_TARGET", "recipient does not exist")
		}
		return err
	}

	appended, err := h.persist(ctx, models.DirectKey(msg.SenderID, msg.TargetID), msg)
	if err != nil {
		return err
	}
	// the recipient copy is written even on redelivery so a partial earlier
	// attempt is completed
	recvAppended, err := h.persist(ctx, models.DirectKey(msg.TargetID, msg.SenderID), msg)
	if err != nil {
		return err
	}
	if !appended && !recvAppended {
		logging.Debug().Str("message_id", msg.ID).Msg("Duplicate message, not forwarded")
		return nil
	}

	h.emitRoom(userRoom(msg.TargetID), nil, models.EventReceiveMessage, msg)
	// the sender's other devices
	h.emitRoom(userRoom(msg.SenderID), c, models.EventReceiveMessage, msg)
	return nil
}

func (h *Hub) sendToGroup(ctx context.Context, c *Client, g *models.Group, msg *models.Message) error {
	if !g.IsMember(msg.SenderID) {
		c.replyError(models.EventSendMessage, "NOT_MEMBER", "not a member of this group")
		return database.ErrNotMember
	}
	if !g.CanPost(msg.SenderID) {
		c.replyError(models.EventSendMessage, "FORBIDDEN", "only admins can post in this channel")
		return errors.New("posting not allowed")
	}

	appended, err := h.persist(ctx, models.GroupKey(g.ID), msg)
	if err != nil || !appended {
		return err
	}
	h.emitRoom(groupRoom(g.ID), c, models.EventReceiveMessage, msg)
	return nil
}

// sendToAssistant stores the user's turn. The returned func starts the
// reply in the background once the turn has been acked.
func (h *Hub) sendToAssistant(ctx context.Context, c *Client, msg *models.Message) (func(), error) {
	appended, err := h.persist(ctx, models.DirectKey(msg.SenderID, msg.TargetID), msg)
	if err != nil || !appended {
		return nil, err
	}
	h.emitRoom(userRoom(msg.SenderID), c, models.EventReceiveMessage, msg)

	userMsg := *msg
	return func() {
		h.goBackground(func(ctx context.Context) {
			h.answerAssistant(ctx, &userMsg)
		})
	}, nil
}

func (h *Hub) answerAssistant(ctx context.Context, userMsg *models.Message) {
	userID, botID := userMsg.SenderID, userMsg.TargetID
	h.Notify(userID, models.EventTyping, models.TypingPayload{TargetID: userID, FromID: botID, IsTyping: true})
	defer h.Notify(userID, models.EventTyping, models.TypingPayload{TargetID: userID, FromID: botID, IsTyping: false})

	req := assistant.Request{
		ConversationID: userID,
		Text:           userMsg.Text,
		Persona:        h.opts.Persona,
		Location:       userMsg.Location,
	}
	if media, mime, ok := inlineMedia(userMsg); ok {
		req.Media, req.MediaType = media, mime
	}
	text := h.opts.Assistant.Reply(ctx, req)

	reply := &models.Message{
		ID:        models.NewMessageID(),
		SenderID:  botID,
		TargetID:  userID,
		Text:      text,
		Type:      models.MessageText,
		Timestamp: time.Now().UnixMilli(),
		Status:    models.StatusRead,
	}
	storeCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	if _, err := h.persist(storeCtx, models.DirectKey(userID, botID), reply); err != nil {
		logging.Error().Err(err).Str("user_id", userID).Msg("Failed to store assistant reply")
	}
	h.Notify(userID, models.EventReceiveMessage, reply)
}

// inlineMedia extracts a base64 data URL attachment
func inlineMedia(m *models.Message) (data, mime string, ok bool) {
	rest, found := strings.CutPrefix(m.AttachmentURL, "data:")
	if !found {
		return "", "", false
	}
	header, payload, found := strings.Cut(rest, ",")
	if !found {
		return "", "", false
	}
	mime, _, _ = strings.Cut(header, ";")
	return payload, mime, true
}

// handleMessageAck forwards a status report to the author of the message
func (h *Hub) handleMessageAck(c *Client, ev models.Event) error {
	var p models.AckPayload
	if err := ev.Decode(&p); err != nil || p.MessageID == "" || p.SenderID == "" {
		c.replyError(ev.Name, "BAD_PAYLOAD", "messageId and senderId are required")
		return badPayload(ev.Name, err)
	}
	p.FromID = c.UserID()
	h.emitRoom(userRoom(p.SenderID), nil, models.EventMessageAck, p)
	return nil
}

func (h *Hub) handleTyping(c *Client, ev models.Event) error {
	var p models.TypingPayload
	if err := ev.Decode(&p); err != nil || p.TargetID == "" {
		return badPayload(ev.Name, err)
	}
	p.FromID = c.UserID()

	// group rooms only exist for joined members
	h.mu.RLock()
	_, inGroup := c.rooms[groupRoom(p.TargetID)]
	h.mu.RUnlock()
	if inGroup {
		h.emitRoom(groupRoom(p.TargetID), c, models.EventTyping, p)
		return nil
	}
	h.emitRoom(userRoom(p.TargetID), nil, models.EventTyping, p)
	return nil
}

func (h *Hub) handleCallOffer(c *Client, ev models.Event) error {
	var p models.CallOfferPayload
	if err := ev.Decode(&p); err != nil || p.CalleeID == "" {
		c.replyError(ev.Name, "BAD_PAYLOAD", "calleeId is required")
		return badPayload(ev.Name, err)
	}
	logging.Info().Str("user_id", c.UserID()).Str("target_id", p.CalleeID).Msg("Call offer")
	h.emitUser(p.CalleeID, models.EventIncomingCall, models.IncomingCallPayload{
		CallerID:   c.UserID(),
		CallerName: p.CallerName,
		Offer:      p.Offer,
	})
	return nil
}

func (h *Hub) handleCallAnswer(c *Client, ev models.Event) error {
	var p models.CallAnswerPayload
	if err := ev.Decode(&p); err != nil || p.CallerID == "" {
		c.replyError(ev.Name, "BAD_PAYLOAD", "callerId is required")
		return badPayload(ev.Name, err)
	}
	h.emitUser(p.CallerID, models.EventCallAccepted, models.CallAcceptedPayload{
		CalleeID: c.UserID(),
		Answer:   p.Answer,
	})
	return nil
}

func (h *Hub) handleICECandidate(c *Client, ev models.Event) error {
	var p models.ICECandidatePayload
	if err := ev.Decode(&p); err != nil || p.TargetID == "" {
		return badPayload(ev.Name, err)
	}
	h.emitUser(p.TargetID, models.EventICECandidate, models.ICECandidatePayload{
		FromID:    c.UserID(),
		Candidate: p.Candidate,
	})
	return nil
}

func (h *Hub) handleCallEnd(c *Client, ev models.Event) error {
	var p models.CallEndPayload
	if err := ev.Decode(&p); err != nil || p.TargetID == "" {
		return badPayload(ev.Name, err)
	}
	logging.Info().Str("user_id", c.UserID()).Str("target_id", p.TargetID).Msg("Call ended")
	h.emitUser(p.TargetID, models.EventCallEnded, models.CallEndedPayload{FromID: c.UserID()})
	return nil
}
