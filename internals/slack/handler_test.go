package slack

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"testing"

	"github.com/jadenj13/memoir/internals/chat"
	"github.com/jadenj13/memoir/internals/history"
	"github.com/slack-go/slack"
)

type fakeTurner struct {
	session, text string
	parts         []string
	err           error
}

func (f *fakeTurner) HandleTurn(_ context.Context, session, text string, sink chat.Sink) error {
	f.session, f.text = session, text
	if errors.Is(f.err, history.ErrBusy) {
		return f.err
	}
	em := chat.NewEmitter(sink)
	for _, p := range f.parts {
		em.Content(p)
	}
	if f.err != nil {
		em.Fail(f.err)
		return f.err
	}
	return em.Finish()
}

type post struct {
	channel string
	values  url.Values
}

type fakePoster struct {
	posts []post
}

func (p *fakePoster) PostMessage(channelID string, options ...slack.MsgOption) (string, string, error) {
	_, values, err := slack.UnsafeApplyMsgOptions("token", channelID, "https://slack.test/api/", options...)
	if err != nil {
		return "", "", err
	}
	p.posts = append(p.posts, post{channel: channelID, values: values})
	return channelID, "1.0", nil
}

func newTestHandler(t *fakeTurner) (*Handler, *fakePoster) {
	p := &fakePoster{}
	return &Handler{
		client: p,
		botID:  "UBOT",
		chat:   t,
		log:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, p
}

func TestDispatch_RepliesInThreadWithSessionPerUser(t *testing.T) {
	turner := &fakeTurner{parts: []string{"Noted", "!"}}
	h, p := newTestHandler(turner)

	h.dispatch(context.Background(), IncomingMessage{ThreadTS: "111.1", ChannelID: "C1", UserID: "U42", Text: "I like tea"})

	if turner.session != "slack:U42" || turner.text != "I like tea" {
		t.Fatalf("turn = %q %q", turner.session, turner.text)
	}
	if len(p.posts) != 1 {
		t.Fatalf("posts = %d", len(p.posts))
	}
	got := p.posts[0]
	if got.channel != "C1" || got.values.Get("text") != "Noted!" || got.values.Get("thread_ts") != "111.1" {
		t.Fatalf("post = %+v", got)
	}
}

func TestDispatch_FailurePostsApology(t *testing.T) {
	h, p := newTestHandler(&fakeTurner{err: fmt.Errorf("provider down")})

	h.dispatch(context.Background(), IncomingMessage{ChannelID: "C1", UserID: "U1", Text: "hi"})

	if len(p.posts) != 1 || p.posts[0].values.Get("text") != "Sorry, I encountered an error: provider down" {
		t.Fatalf("posts = %+v", p.posts)
	}
}

func TestDispatch_Busy(t *testing.T) {
	h, p := newTestHandler(&fakeTurner{err: fmt.Errorf("wait: %w", history.ErrBusy)})

	h.dispatch(context.Background(), IncomingMessage{ChannelID: "C1", UserID: "U1", Text: "hi"})

	if len(p.posts) != 1 || p.posts[0].values.Get("text") != busyReply {
		t.Fatalf("posts = %+v", p.posts)
	}
}

func TestDispatch_IgnoresEmptyText(t *testing.T) {
	turner := &fakeTurner{}
	h, p := newTestHandler(turner)

	h.dispatch(context.Background(), IncomingMessage{ChannelID: "C1", UserID: "U1", Text: "   "})

	if turner.session != "" || len(p.posts) != 0 {
		t.Fatal("empty message should be ignored")
	}
}

func TestStripMention(t *testing.T) {
	h, _ := newTestHandler(&fakeTurner{})
	if got := h.stripMention("<@UBOT> remember I'm vegan"); got != "remember I'm vegan" {
		t.Fatalf("got %q", got)
	}
	if got := threadTS("", "2.0"); got != "2.0" {
		t.Fatalf("threadTS = %q", got)
	}
}
