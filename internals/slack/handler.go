package slack

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/jadenj13/memoir/internals/chat"
	"github.com/jadenj13/memoir/internals/history"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
)

const busyReply = "I'm still answering your previous message. Give me a moment."

type Handler struct {
	client poster
	socket *socketmode.Client
	botID  string
	chat   Turner
	log    *slog.Logger
}

// Turner runs one conversation turn for a session.
type Turner interface {
	HandleTurn(ctx context.Context, session, text string, sink chat.Sink) error
}

type poster interface {
	PostMessage(channelID string, options ...slack.MsgOption) (string, string, error)
}

type IncomingMessage struct {
	ThreadTS  string
	ChannelID string
	UserID    string
	Text      string
	IsDM      bool
}

// SessionID keys memories by Slack user, so a user's memories follow them
// across channels and threads.
func (m IncomingMessage) SessionID() string {
	return "slack:" + m.UserID
}

func NewHandler(botToken, appToken string, turner Turner, log *slog.Logger) (*Handler, error) {
	api := slack.New(
		botToken,
		slack.OptionAppLevelToken(appToken),
	)

	socket := socketmode.New(
		api,
		socketmode.OptionLog(slog.NewLogLogger(log.Handler(), slog.LevelDebug)),
	)

	// Resolve the bot's own user ID so we can strip mentions from message text.
	authResp, err := api.AuthTest()
	if err != nil {
		return nil, err
	}

	return &Handler{
		client: api,
		socket: socket,
		botID:  authResp.UserID,
		chat:   turner,
		log:    log,
	}, nil
}

// Run processes socket mode events until ctx is cancelled.
func (h *Handler) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() { errc <- h.socket.RunContext(ctx) }()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errc:
			if ctx.Err() != nil {
				return nil
			}
			return err
		case evt, ok := <-h.socket.Events:
			if !ok {
				return nil
			}
			switch evt.Type {
			case socketmode.EventTypeEventsAPI:
				h.socket.Ack(*evt.Request)
				h.handleEventsAPI(ctx, evt)
			case socketmode.EventTypeConnecting:
				h.log.Info("Connecting to slack")
			case socketmode.EventTypeConnected:
				h.log.Info("Connected to slack")
			case socketmode.EventTypeConnectionError:
				h.log.Error("Slack connection error")
			}
		}
	}
}

func (h *Handler) handleEventsAPI(ctx context.Context, evt socketmode.Event) {
	payload, ok := evt.Data.(slackevents.EventsAPIEvent)
	if !ok {
		return
	}

	switch payload.Type {
	case slackevents.CallbackEvent:
		h.handleCallback(ctx, payload.InnerEvent)
	}
}

func (h *Handler) handleCallback(ctx context.Context, inner slackevents.EventsAPIInnerEvent) {
	switch ev := inner.Data.(type) {
	case *slackevents.AppMentionEvent:
		go h.dispatch(ctx, IncomingMessage{
			ThreadTS:  threadTS(ev.ThreadTimeStamp, ev.TimeStamp),
			ChannelID: ev.Channel,
			UserID:    ev.User,
			Text:      h.stripMention(ev.Text),
		})

	case *slackevents.MessageEvent:
		// Ignore bot messages to avoid feedback loops.
		if ev.BotID != "" || ev.SubType == "bot_message" {
			return
		}
		if ev.ChannelType != "im" {
			return
		}
		go h.dispatch(ctx, IncomingMessage{
			ThreadTS:  threadTS(ev.ThreadTimeStamp, ev.TimeStamp),
			ChannelID: ev.Channel,
			UserID:    ev.User,
			Text:      ev.Text,
			IsDM:      true,
		})
	}
}

func (h *Handler) dispatch(ctx context.Context, msg IncomingMessage) {
	if strings.TrimSpace(msg.Text) == "" {
		return
	}
	h.log.Info("incoming message",
		"channel", msg.ChannelID,
		"thread", msg.ThreadTS,
		"user", msg.UserID,
		"dm", msg.IsDM,
	)

	var out chat.Collector
	err := h.chat.HandleTurn(ctx, msg.SessionID(), msg.Text, &out)
	reply := out.Text()
	switch {
	case errors.Is(err, history.ErrBusy):
		reply = busyReply
	case err != nil:
		// The terminal emission already carries the apology.
		h.log.Error("turn failed", "session", msg.SessionID(), "err", err)
	}
	if strings.TrimSpace(reply) == "" {
		return
	}

	h.postReply(msg.ChannelID, msg.ThreadTS, reply)
}

func (h *Handler) postReply(channelID, threadTS, text string) {
	_, _, err := h.client.PostMessage(
		channelID,
		slack.MsgOptionText(text, false),
		slack.MsgOptionTS(threadTS), // reply in thread
	)
	if err != nil {
		h.log.Error("failed to post message", "err", err)
	}
}

func (h *Handler) stripMention(text string) string {
	mention := "<@" + h.botID + ">"
	return strings.TrimSpace(strings.ReplaceAll(text, mention, ""))
}

func threadTS(threadTS, msgTS string) string {
	if threadTS != "" {
		return threadTS
	}
	return msgTS
}
