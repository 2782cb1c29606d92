package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/SherClockHolmes/webpush-go"

	"workspaces/config"
	"workspaces/internal/model"
)

// WebPushClient sends a single web push notification.
type WebPushClient interface {
	Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error)
}

// webPushClient is the real implementation using the webpush library.
type webPushClient struct{}

func (webPushClient) Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
	return webpush.SendNotification(payload, sub, options)
}

// SubscriptionStore is the part of the metadata store push delivery needs.
type SubscriptionStore interface {
	SubscriptionsFor(ctx context.Context, owner string) ([]model.PushSubscription, error)
	DeleteSubscription(ctx context.Context, owner, endpoint string) error
}

// PushSender delivers events to every browser subscription of the owner.
type PushSender struct {
	store   SubscriptionStore
	options *webpush.Options
	client  WebPushClient
}

// NewPushSender creates a PushSender from VAPID settings.
func NewPushSender(cfg config.PushConfig, store SubscriptionStore) *PushSender {
	return &PushSender{
		store: store,
		options: &webpush.Options{
			Subscriber:      cfg.Subject,
			VAPIDPublicKey:  cfg.PublicKey,
			VAPIDPrivateKey: cfg.PrivateKey,
			TTL:             cfg.TTL,
		},
		client: webPushClient{},
	}
}

type pushPayload struct {
	Title     string `json:"title"`
	Body      string `json:"body"`
	Kind      Kind   `json:"kind"`
	Pool      string `json:"pool"`
	Workspace string `json:"workspace"`
}

func (p *PushSender) Name() string { return "webpush" }

// Send pushes e to the owner's subscriptions. Subscriptions the push service
// reports as gone are deleted.
func (p *PushSender) Send(ctx context.Context, e Event) error {
	subs, err := p.store.SubscriptionsFor(ctx, e.Owner)
	if err != nil {
		return err
	}
	if len(subs) == 0 {
		return nil
	}

	payload, err := json.Marshal(pushPayload{
		Title:     e.Subject(),
		Body:      e.Body(),
		Kind:      e.Kind,
		Pool:      e.Pool,
		Workspace: e.Workspace,
	})
	if err != nil {
		return err
	}

	var errs []error
	for _, sub := range subs {
		if err := p.sendOne(ctx, sub, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *PushSender) sendOne(ctx context.Context, sub model.PushSubscription, payload []byte) error {
	wpSub := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256DH,
			Auth:   sub.Auth,
		},
	}

	resp, err := p.client.Send(payload, wpSub, p.options)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusGone:
		return p.store.DeleteSubscription(ctx, sub.Owner, sub.Endpoint)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return fmt.Errorf("push to %s: %s", sub.Endpoint, resp.Status)
	}
	return nil
}
