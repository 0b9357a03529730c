package chat

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"testing"
)

func TestVerifyWebhookSignature(t *testing.T) {
	n := NewNotifier("https://chat.example", "channel-token", "signing-secret")
	body := []byte(`{"events":[]}`)

	mac := hmac.New(sha256.New, []byte("signing-secret"))
	mac.Write(body)
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	if !n.VerifyWebhookSignature(body, sig) {
		t.Error("valid signature rejected")
	}
	if n.VerifyWebhookSignature(body, "forged") {
		t.Error("forged signature accepted")
	}
	if n.VerifyWebhookSignature([]byte(`{"events":[{}]}`), sig) {
		t.Error("signature accepted for a different body")
	}
}

func TestParseWebhookPostback(t *testing.T) {
	raw := []byte(`{
		"events": [{
			"type": "postback",
			"source": {"userId": "U123"},
			"postback": {"data": "action=approve&token=abcdef0123456789"}
		}]
	}`)

	events, err := ParseWebhook(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("events = %d", len(events))
	}
	ev := events[0]
	if ev.Type != EventPostback || ev.UserID != "U123" {
		t.Errorf("event = %+v", ev)
	}
	if ev.Action != "approve" || ev.Token != "abcdef0123456789" {
		t.Errorf("postback data = %q / %q", ev.Action, ev.Token)
	}
}

func TestParseWebhookTextMessage(t *testing.T) {
	raw := []byte(`{
		"events": [
			{
				"type": "message",
				"source": {"userId": "U123"},
				"message": {"type": "text", "text": "use this caption instead"}
			},
			{
				"type": "message",
				"source": {"userId": "U123"},
				"message": {"type": "sticker"}
			},
			{
				"type": "follow",
				"source": {"userId": "U123"}
			}
		]
	}`)

	events, err := ParseWebhook(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	// The sticker and the follow event are dropped.
	if len(events) != 1 {
		t.Fatalf("events = %d", len(events))
	}
	if events[0].Type != EventMessage || events[0].Text != "use this caption instead" {
		t.Errorf("event = %+v", events[0])
	}
}

func TestParseWebhookMalformedBody(t *testing.T) {
	if _, err := ParseWebhook([]byte(`{"events": [`)); err == nil {
		t.Error("malformed body accepted")
	}
}
