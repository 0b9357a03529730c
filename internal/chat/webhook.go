package chat

import (
	"encoding/json"
	"net/url"
)

// Webhook event types after parsing.
const (
	EventPostback = "postback"
	EventMessage  = "message"
)

// InboundEvent is one normalized webhook event.
type InboundEvent struct {
	Type   string
	UserID string
	// Text is set for message events.
	Text string
	// Action and Token are set for postback events.
	Action string
	Token  string
}

type webhookBody struct {
	Events []struct {
		Type   string `json:"type"`
		Source struct {
			UserID string `json:"userId"`
		} `json:"source"`
		Message struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"message"`
		Postback struct {
			Data string `json:"data"`
		} `json:"postback"`
	} `json:"events"`
}

// ParseWebhook decodes a webhook body into normalized events. Non-text
// messages and unknown event types are dropped.
func ParseWebhook(rawBody []byte) ([]InboundEvent, error) {
	var body webhookBody
	if err := json.Unmarshal(rawBody, &body); err != nil {
		return nil, err
	}

	var out []InboundEvent
	for _, ev := range body.Events {
		switch ev.Type {
		case EventMessage:
			if ev.Message.Type != "text" {
				continue
			}
			out = append(out, InboundEvent{
				Type:   EventMessage,
				UserID: ev.Source.UserID,
				Text:   ev.Message.Text,
			})
		case EventPostback:
			values, err := url.ParseQuery(ev.Postback.Data)
			if err != nil {
				continue
			}
			out = append(out, InboundEvent{
				Type:   EventPostback,
				UserID: ev.Source.UserID,
				Action: values.Get("action"),
				Token:  values.Get("token"),
			})
		}
	}
	return out, nil
}
