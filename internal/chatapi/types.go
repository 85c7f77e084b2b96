package chatapi

import (
	"github.com/tidwall/gjson"
)

// Conversation is a named group of participants.
type Conversation struct {
	Name    string `json:"name" yaml:"name"`
	Title   string `json:"title,omitempty" yaml:"title,omitempty"`
	Admin   string `json:"admin" yaml:"admin"`
	Created int64  `json:"created" yaml:"created"`
}

// Message is one persisted conversation message.
type Message struct {
	ID           string `json:"id" yaml:"id"`
	Conversation string `json:"conversation" yaml:"conversation"`
	Source       string `json:"source" yaml:"source"`
	Text         string `json:"text" yaml:"text"`
	Created      int64  `json:"created" yaml:"created"`
	ReplyTo      string `json:"reply_to,omitempty" yaml:"reply_to,omitempty"`
}

// Receipt is one recipient's delivery, read and reaction state for a message.
// Timestamps are zero until the event happened.
type Receipt struct {
	User        string `json:"user" yaml:"user"`
	DeliveredAt int64  `json:"delivered_at" yaml:"delivered_at"`
	ReadAt      int64  `json:"read_at" yaml:"read_at"`
	Reaction    int64  `json:"reaction" yaml:"reaction"`
}

// Read reports whether the recipient marked the message read.
func (r Receipt) Read() bool { return r.ReadAt > 0 }

// Backends disagree on whether ids and users are numbers or strings, so
// decoding goes through gjson rather than struct tags.

func conversationFrom(v gjson.Result) Conversation {
	return Conversation{
		Name:    v.Get("name").String(),
		Title:   v.Get("title").String(),
		Admin:   v.Get("admin").String(),
		Created: v.Get("created").Int(),
	}
}

func messageFrom(v gjson.Result) Message {
	return Message{
		ID:           v.Get("id").String(),
		Conversation: v.Get("conversation").String(),
		Source:       v.Get("source").String(),
		Text:         v.Get("text").String(),
		Created:      v.Get("created").Int(),
		ReplyTo:      v.Get("reply_to").String(),
	}
}

func receiptFrom(v gjson.Result) Receipt {
	user := v.Get("user")
	if !user.Exists() {
		user = v.Get("user_id")
	}
	return Receipt{
		User:        user.String(),
		DeliveredAt: v.Get("delivered_at").Int(),
		ReadAt:      v.Get("read_at").Int(),
		Reaction:    v.Get("reaction").Int(),
	}
}
