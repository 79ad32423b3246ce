package telegram

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/sandesh/pkg/bridge"
	"github.com/harun/sandesh/pkg/typing"
)

// fakeBotAPI serves the handful of Bot API methods the transport uses.
type fakeBotAPI struct {
	mu      sync.Mutex
	token   string
	updates []string
	sent    []string
	actions []string
	served  bool
	server  *httptest.Server
}

func newFakeBotAPI(t *testing.T, token string, updates ...string) *fakeBotAPI {
	f := &fakeBotAPI{token: token, updates: updates}
	f.server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeBotAPI) endpoint() string {
	return f.server.URL + "/bot%s/%s"
}

func (f *fakeBotAPI) serve(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/bot"), "/")
	if len(parts) != 2 || parts[0] != f.token {
		fmt.Fprint(w, `{"ok":false,"error_code":401,"description":"Unauthorized"}`)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch parts[1] {
	case "getMe":
		fmt.Fprint(w, `{"ok":true,"result":{"id":99,"is_bot":true,"first_name":"Sandesh","username":"sandesh_bot"}}`)
	case "getUpdates":
		if f.served {
			f.mu.Unlock()
			time.Sleep(20 * time.Millisecond)
			f.mu.Lock()
			fmt.Fprint(w, `{"ok":true,"result":[]}`)
			return
		}
		f.served = true
		fmt.Fprintf(w, `{"ok":true,"result":[%s]}`, strings.Join(f.updates, ","))
	case "sendMessage":
		f.sent = append(f.sent, r.Form.Get("chat_id")+":"+r.Form.Get("text"))
		fmt.Fprint(w, `{"ok":true,"result":{"message_id":5,"date":0,"chat":{"id":42,"type":"private"}}}`)
	case "sendChatAction":
		f.actions = append(f.actions, r.Form.Get("chat_id")+":"+r.Form.Get("action"))
		fmt.Fprint(w, `{"ok":true,"result":true}`)
	default:
		fmt.Fprint(w, `{"ok":false,"error_code":404,"description":"Not Found"}`)
	}
}

func (f *fakeBotAPI) sentMessages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type eventRecorder struct {
	mu     sync.Mutex
	events []bridge.Event
}

func (r *eventRecorder) sink(_ context.Context, ev bridge.Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

func (r *eventRecorder) kinds() []bridge.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]bridge.EventKind, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

func (r *eventRecorder) messages() []*bridge.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*bridge.Message
	for _, ev := range r.events {
		if ev.Kind == bridge.EventMessage {
			out = append(out, ev.Message)
		}
	}
	return out
}

func newTestTransport(token, endpoint string) *Transport {
	logger := zerolog.Nop()
	return New(Config{BotToken: token, APIEndpoint: endpoint, PollTimeout: 1, Logger: &logger})
}

const privateUpdate = `{"update_id":1,"message":{"message_id":7,"date":1772355600,
	"from":{"id":42,"is_bot":false,"first_name":"Asha","username":"asha"},
	"chat":{"id":42,"type":"private"},"text":"kya haal hai"}}`

const commandUpdate = `{"update_id":2,"message":{"message_id":8,"date":1772355600,
	"from":{"id":42,"is_bot":false,"first_name":"Asha"},
	"chat":{"id":42,"type":"private"},"text":"/start",
	"entities":[{"type":"bot_command","offset":0,"length":6}]}}`

func TestTransport_ConnectAndReceive(t *testing.T) {
	api := newFakeBotAPI(t, "123:abc", privateUpdate, commandUpdate)
	tr := newTestTransport("123:abc", api.endpoint())
	rec := &eventRecorder{}

	require.NoError(t, tr.Connect(context.Background(), "s1", rec.sink))
	t.Cleanup(func() { _ = tr.Disconnect(context.Background(), "s1") })

	require.Eventually(t, func() bool {
		return len(rec.messages()) == 1
	}, 3*time.Second, 10*time.Millisecond)

	kinds := rec.kinds()
	require.GreaterOrEqual(t, len(kinds), 3)
	assert.Equal(t, bridge.EventAuthenticated, kinds[0])
	assert.Equal(t, bridge.EventReady, kinds[1])

	msg := rec.messages()[0]
	assert.Equal(t, "42", msg.ContactID)
	assert.Equal(t, "42:7", msg.ID)
	assert.Equal(t, "kya haal hai", msg.Text)
	assert.Equal(t, "Asha", msg.Sender.Name)
	assert.False(t, msg.Sender.FromSelf)

	assert.ErrorIs(t, tr.Connect(context.Background(), "s2", rec.sink), ErrBusy)
}

func TestTransport_InvalidToken(t *testing.T) {
	api := newFakeBotAPI(t, "123:abc")
	tr := newTestTransport("999:wrong", api.endpoint())
	rec := &eventRecorder{}

	require.NoError(t, tr.Connect(context.Background(), "s1", rec.sink))

	require.Eventually(t, func() bool {
		kinds := rec.kinds()
		return len(kinds) == 1 && kinds[0] == bridge.EventTransportError
	}, 3*time.Second, 10*time.Millisecond)

	// the bot is free again after a failed login
	require.Eventually(t, func() bool {
		err := tr.Connect(context.Background(), "s2", rec.sink)
		if err == nil {
			_ = tr.Disconnect(context.Background(), "s2")
		}
		return err == nil
	}, time.Second, 10*time.Millisecond)
}

func TestTransport_SendAndPresence(t *testing.T) {
	api := newFakeBotAPI(t, "123:abc")
	tr := newTestTransport("123:abc", api.endpoint())
	rec := &eventRecorder{}
	ctx := context.Background()

	assert.ErrorIs(t, tr.SendText(ctx, "s1", "42", "hi"), ErrNotConnected)

	require.NoError(t, tr.Connect(ctx, "s1", rec.sink))
	t.Cleanup(func() { _ = tr.Disconnect(ctx, "s1") })
	require.Eventually(t, func() bool {
		_, err := tr.client("s1")
		return err == nil
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, tr.SendText(ctx, "s1", "42", "namaste"))
	assert.Equal(t, []string{"42:namaste"}, api.sentMessages())

	require.NoError(t, tr.SetPresence(ctx, "s1", "42", typing.PresenceTyping))
	require.NoError(t, tr.SetPresence(ctx, "s1", "42", typing.PresenceIdle))
	api.mu.Lock()
	assert.Equal(t, []string{"42:typing"}, api.actions)
	api.mu.Unlock()

	assert.Error(t, tr.SendText(ctx, "s1", "not-a-chat", "hi"))
	assert.ErrorIs(t, tr.SendText(ctx, "other", "42", "hi"), ErrNotConnected)
}

func TestToMessage(t *testing.T) {
	self := tgbotapi.User{ID: 99, UserName: "sandesh_bot"}
	group := &tgbotapi.Chat{ID: -100, Type: "supergroup"}
	from := &tgbotapi.User{ID: 42, FirstName: "Asha"}

	t.Run("group message without mention is skipped", func(t *testing.T) {
		update := tgbotapi.Update{Message: &tgbotapi.Message{MessageID: 1, From: from, Chat: group, Text: "hello all"}}
		assert.Nil(t, toMessage(update, self))
	})

	t.Run("group message with mention is kept", func(t *testing.T) {
		update := tgbotapi.Update{Message: &tgbotapi.Message{
			MessageID: 2, From: from, Chat: group, Text: "@sandesh_bot hello",
			Entities: []tgbotapi.MessageEntity{{Type: "mention", Offset: 0, Length: 12}},
		}}
		msg := toMessage(update, self)
		require.NotNil(t, msg)
		assert.Equal(t, "-100", msg.ContactID)
	})

	t.Run("caption is used for media", func(t *testing.T) {
		update := tgbotapi.Update{Message: &tgbotapi.Message{
			MessageID: 3, From: from, Chat: &tgbotapi.Chat{ID: 42, Type: "private"}, Caption: "look at this",
		}}
		msg := toMessage(update, self)
		require.NotNil(t, msg)
		assert.Equal(t, "look at this", msg.Text)
	})

	t.Run("own messages are flagged", func(t *testing.T) {
		update := tgbotapi.Update{Message: &tgbotapi.Message{
			MessageID: 4, From: &tgbotapi.User{ID: 99}, Chat: &tgbotapi.Chat{ID: 42, Type: "private"}, Text: "echo",
		}}
		msg := toMessage(update, self)
		require.NotNil(t, msg)
		assert.True(t, msg.Sender.FromSelf)
	})

	t.Run("non-message updates are skipped", func(t *testing.T) {
		assert.Nil(t, toMessage(tgbotapi.Update{UpdateID: 9}, self))
	})
}

func TestSplitMessage(t *testing.T) {
	assert.Equal(t, []string{"short"}, splitMessage("short", 10))

	chunks := splitMessage("aaaa bbbb cccc dddd", 10)
	assert.Equal(t, []string{"aaaa bbbb", "cccc dddd"}, chunks)

	long := strings.Repeat("x", 25)
	chunks = splitMessage(long, 10)
	require.Len(t, chunks, 3)
	assert.Equal(t, long, strings.Join(chunks, ""))

	for _, c := range splitMessage(strings.Repeat("नमस्ते ", 1000), maxMessageLength) {
		assert.LessOrEqual(t, len([]rune(c)), maxMessageLength)
	}
}
