// Package chat pushes review cards and plain messages to the out-of-band
// chat channel and verifies inbound webhook signatures. The notifier has
// no awareness of pipeline state.
package chat

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultTimeout bounds every push call.
const DefaultTimeout = 10 * time.Second

// ReviewCard is the structured message sent for one pending review. The
// three action payloads carry the one-shot tokens.
type ReviewCard struct {
	Content         string
	ApproveToken    string
	RegenerateToken string
	SkipToken       string
	ScheduledFor    *time.Time
}

// Notifier pushes messages through the chat platform's bot API.
type Notifier struct {
	baseURL       string
	channelToken  string
	signingSecret []byte
	http          *http.Client
}

// NewNotifier builds a Notifier for the given bot credentials.
func NewNotifier(baseURL, channelToken, signingSecret string) *Notifier {
	return &Notifier{
		baseURL:       strings.TrimRight(baseURL, "/"),
		channelToken:  channelToken,
		signingSecret: []byte(signingSecret),
		http:          &http.Client{Timeout: DefaultTimeout},
	}
}

// VerifyWebhookSignature checks the HMAC-SHA256 signature header against
// the raw request body.
func (n *Notifier) VerifyWebhookSignature(rawBody []byte, signatureHeader string) bool {
	mac := hmac.New(sha256.New, n.signingSecret)
	mac.Write(rawBody)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signatureHeader))
}

// SendText pushes a plain text message to the user.
func (n *Notifier) SendText(ctx context.Context, userID, text string) error {
	return n.push(ctx, userID, []map[string]any{
		{"type": "text", "text": text},
	})
}

// SendReviewCard pushes the three-action review card. The card is a
// template message whose postback payloads are "action=<verb>&token=<t>".
func (n *Notifier) SendReviewCard(ctx context.Context, userID string, card ReviewCard) error {
	title := "New draft ready for review"
	if card.ScheduledFor != nil {
		title = fmt.Sprintf("Draft scheduled for %s", card.ScheduledFor.Format("01/02 15:04"))
	}

	text := card.Content
	// Template message bodies are capped by the platform.
	if len([]rune(text)) > 160 {
		text = string([]rune(text)[:157]) + "..."
	}

	return n.push(ctx, userID, []map[string]any{
		{
			"type":    "template",
			"altText": title,
			"template": map[string]any{
				"type":  "buttons",
				"title": title,
				"text":  text,
				"actions": []map[string]string{
					{"type": "postback", "label": "Approve", "data": "action=approve&token=" + card.ApproveToken},
					{"type": "postback", "label": "Regenerate", "data": "action=regenerate&token=" + card.RegenerateToken},
					{"type": "postback", "label": "Skip", "data": "action=skip&token=" + card.SkipToken},
				},
			},
		},
	})
}

// SendEditConfirmCard asks the reviewer to confirm their typed replacement
// text before it is treated as an approval.
func (n *Notifier) SendEditConfirmCard(ctx context.Context, userID, edited, confirmToken, cancelToken string) error {
	text := edited
	if len([]rune(text)) > 160 {
		text = string([]rune(text)[:157]) + "..."
	}
	return n.push(ctx, userID, []map[string]any{
		{
			"type":    "template",
			"altText": "Confirm edited post?",
			"template": map[string]any{
				"type":  "confirm",
				"text":  text,
				"actions": []map[string]string{
					{"type": "postback", "label": "Post it", "data": "action=confirm_edit&token=" + confirmToken},
					{"type": "postback", "label": "Cancel", "data": "action=cancel_edit&token=" + cancelToken},
				},
			},
		},
	})
}

func (n *Notifier) push(ctx context.Context, userID string, messages []map[string]any) error {
	body, err := json.Marshal(map[string]any{
		"to":       userID,
		"messages": messages,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.baseURL+"/v2/bot/message/push", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+n.channelToken)

	resp, err := n.http.Do(req)
	if err != nil {
		return fmt.Errorf("chat push: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("chat push: status %d: %s", resp.StatusCode, string(raw))
	}
	return nil
}
