package push

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"unicode/utf8"

	webpush "github.com/SherClockHolmes/webpush-go"
	"go.uber.org/zap"

	"github.com/4xmen/chatpat/internal/metrics"
	"github.com/4xmen/chatpat/internal/models"
)

// Subscriptions is where push endpoints are kept.
type Subscriptions interface {
	ListPushSubscriptions(ctx context.Context, userID int) ([]models.PushSubscription, error)
	DropPushEndpoint(ctx context.Context, endpoint string) error
}

type sendFunc func(data []byte, sub *webpush.Subscription, opts *webpush.Options) (*http.Response, error)

// Notifier sends Web Push notifications to subscribed users.
type Notifier struct {
	subs            Subscriptions
	log             *zap.Logger
	vapidPublicKey  string
	vapidPrivateKey string
	subscriber      string
	send            sendFunc
	wg              sync.WaitGroup
}

// NewNotifier creates a push Notifier. Returns nil if VAPID keys are empty.
func NewNotifier(subs Subscriptions, log *zap.Logger, vapidPublicKey, vapidPrivateKey string) *Notifier {
	if vapidPublicKey == "" || vapidPrivateKey == "" {
		return nil
	}
	return &Notifier{
		subs:            subs,
		log:             log,
		vapidPublicKey:  vapidPublicKey,
		vapidPrivateKey: vapidPrivateKey,
		subscriber:      "mailto:push@chatpat.local",
		send:            webpush.SendNotification,
	}
}

// VAPIDPublicKey returns the public VAPID key for the frontend.
func (n *Notifier) VAPIDPublicKey() string {
	if n == nil {
		return ""
	}
	return n.vapidPublicKey
}

// payload is the JSON structure sent inside the push notification.
type payload struct {
	Title          string `json:"title"`
	Body           string `json:"body"`
	URL            string `json:"url"`
	ConversationID int    `json:"conversationId"`
}

const previewLen = 80

func preview(m *models.Message) string {
	switch m.ContentType {
	case models.ContentImage:
		return "📷 Photo"
	case models.ContentVideo:
		return "🎥 Video"
	}
	if utf8.RuneCountInString(m.Content) <= previewLen {
		return m.Content
	}
	return string([]rune(m.Content)[:previewLen]) + "…"
}

// NotifyNewMessage pushes m to every subscription of receiverID. Delivery
// runs in the background.
func (n *Notifier) NotifyNewMessage(ctx context.Context, receiverID int, senderName string, m *models.Message) {
	if n == nil {
		return
	}

	subs, err := n.subs.ListPushSubscriptions(ctx, receiverID)
	if err != nil {
		n.log.Error("push: failed to query subscriptions", zap.Int("user_id", receiverID), zap.Error(err))
		return
	}
	if len(subs) == 0 {
		n.log.Debug("push: no active subscriptions", zap.Int("user_id", receiverID))
		return
	}

	data, _ := json.Marshal(payload{
		Title:          senderName,
		Body:           preview(m),
		URL:            "/",
		ConversationID: m.ConversationID,
	})

	n.log.Debug("push: sending notification", zap.Int("user_id", receiverID), zap.Int("subscriptions", len(subs)))
	for _, sub := range subs {
		n.wg.Add(1)
		go func(sub models.PushSubscription) {
			defer n.wg.Done()
			n.sendToSubscription(sub, data)
		}(sub)
	}
}

// Wait blocks until background deliveries have finished.
func (n *Notifier) Wait() {
	if n != nil {
		n.wg.Wait()
	}
}

func (n *Notifier) sendToSubscription(sub models.PushSubscription, data []byte) {
	s := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.KeyP256dh,
			Auth:   sub.KeyAuth,
		},
	}

	resp, err := n.send(data, s, &webpush.Options{
		VAPIDPublicKey:  n.vapidPublicKey,
		VAPIDPrivateKey: n.vapidPrivateKey,
		Subscriber:      n.subscriber,
		TTL:             86400,
	})
	if err != nil {
		metrics.PushTotal.WithLabelValues("error").Inc()
		n.log.Warn("push: failed to send", zap.String("endpoint", sub.Endpoint), zap.Error(err))
		return
	}
	defer resp.Body.Close()

	// 410 Gone or 404 means the subscription expired, drop it
	if resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound {
		metrics.PushTotal.WithLabelValues("expired").Inc()
		if err := n.subs.DropPushEndpoint(context.Background(), sub.Endpoint); err != nil {
			n.log.Error("push: failed to remove expired subscription", zap.String("endpoint", sub.Endpoint), zap.Error(err))
			return
		}
		n.log.Info("push: removed expired subscription", zap.String("endpoint", sub.Endpoint), zap.Int("status", resp.StatusCode))
		return
	}
	metrics.PushTotal.WithLabelValues("sent").Inc()
}
