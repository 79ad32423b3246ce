package telegram

import (
	"fmt"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/harun/sandesh/pkg/bridge"
)

// toMessage converts an update into an inbound message. Updates without
// text, bot commands and group messages that do not mention the bot yield
// nil.
func toMessage(update tgbotapi.Update, self tgbotapi.User) *bridge.Message {
	msg := update.Message
	if msg == nil || msg.From == nil || msg.Chat == nil {
		return nil
	}
	if msg.IsCommand() {
		return nil
	}

	text := ParseCaption(msg)
	if text == "" {
		return nil
	}

	isGroup := msg.Chat.IsGroup() || msg.Chat.IsSuperGroup()
	if isGroup && !isMentioned(msg, self.UserName) {
		return nil
	}

	name := msg.From.FirstName
	if name == "" {
		name = msg.From.UserName
	}

	return &bridge.Message{
		ID:        fmt.Sprintf("%d:%d", msg.Chat.ID, msg.MessageID),
		ContactID: strconv.FormatInt(msg.Chat.ID, 10),
		Text:      text,
		Sender: bridge.Sender{
			Name:     name,
			FromSelf: msg.From.ID == self.ID,
			Meta: map[string]string{
				"username":  msg.From.UserName,
				"user_id":   strconv.FormatInt(msg.From.ID, 10),
				"chat_type": msg.Chat.Type,
			},
		},
		ReceivedAt: time.Unix(int64(msg.Date), 0),
	}
}

// isMentioned checks if the bot is mentioned in a message
func isMentioned(msg *tgbotapi.Message, username string) bool {
	if username == "" {
		return false
	}
	runes := []rune(msg.Text)
	for _, entity := range msg.Entities {
		if entity.Type != "mention" {
			continue
		}
		// entity offsets count UTF-16 code units; mentions are ASCII so rune
		// offsets line up for the common case
		if entity.Offset < 0 || entity.Offset+entity.Length > len(runes) {
			continue
		}
		if string(runes[entity.Offset:entity.Offset+entity.Length]) == "@"+username {
			return true
		}
	}
	return false
}

// ParseCaption extracts caption from a message
func ParseCaption(msg *tgbotapi.Message) string {
	if msg.Caption != "" {
		return msg.Caption
	}
	return msg.Text
}
