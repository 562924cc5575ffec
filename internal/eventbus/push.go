package eventbus

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"github.com/SherClockHolmes/webpush-go"

	"github.com/kibshh/iot-anchor-node/internal/model"
)

// PushSender is the same seam the teacher's notification.NotificationSender
// provides, so tests can substitute a fake without a live push service.
type PushSender interface {
	Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error)
}

type webPushSender struct{}

func (webPushSender) Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
	return webpush.SendNotification(payload, sub, options)
}

// subscriptionLister is the narrow persistence contract PushDispatcher
// needs, satisfied directly by *store.Store.
type subscriptionLister interface {
	ListPushSubscriptionsForTopic(ctx context.Context, topic string) ([]model.PushSubscription, error)
	DeletePushSubscription(ctx context.Context, endpoint string) error
}

// PushDispatcher fans an event out to every PushSubscription registered for
// its topic, adapted from the teacher's WorkerPool: the same fixed-size
// worker goroutines draining a buffered job channel, but dispatching on
// (topic, event) instead of on a machine id becoming available.
type PushDispatcher struct {
	store   subscriptionLister
	options *webpush.Options
	sender  PushSender
	jobs    chan dispatchJob
}

type dispatchJob struct {
	topic Topic
	event Event
}

func NewPushDispatcher(store subscriptionLister, options *webpush.Options, size int) *PushDispatcher {
	if size <= 0 {
		size = 4
	}
	return &PushDispatcher{
		store:   store,
		options: options,
		sender:  webPushSender{},
		jobs:    make(chan dispatchJob, size*8),
	}
}

// Start launches the worker pool, mirroring WorkerPool.Start.
func (d *PushDispatcher) Start(ctx context.Context, size int) {
	if size <= 0 {
		size = 4
	}
	for i := 0; i < size; i++ {
		go d.worker(ctx)
	}
}

func (d *PushDispatcher) worker(ctx context.Context) {
	for {
		select {
		case job := <-d.jobs:
			d.deliver(ctx, job)
		case <-ctx.Done():
			return
		}
	}
}

// Dispatch enqueues a fan-out job; it never blocks the publisher.
func (d *PushDispatcher) Dispatch(topic Topic, event Event) {
	select {
	case d.jobs <- dispatchJob{topic: topic, event: event}:
	default:
		log.Printf("push dispatcher queue full, dropping notification for topic %s", topic)
	}
}

func (d *PushDispatcher) deliver(ctx context.Context, job dispatchJob) {
	subs, err := d.store.ListPushSubscriptionsForTopic(ctx, string(job.topic))
	if err != nil {
		log.Printf("failed to list push subscriptions for topic %s: %v", job.topic, err)
		return
	}
	if len(subs) == 0 {
		return
	}
	payload, err := json.Marshal(job.event)
	if err != nil {
		log.Printf("failed to encode push payload: %v", err)
		return
	}
	for _, sub := range subs {
		d.sendOne(ctx, sub, payload)
	}
}

func (d *PushDispatcher) sendOne(ctx context.Context, sub model.PushSubscription, payload []byte) {
	wpSub := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys:     webpush.Keys{P256dh: sub.P256DH, Auth: sub.Auth},
	}
	resp, err := d.sender.Send(payload, wpSub, d.options)
	if err != nil {
		log.Printf("failed to send push notification to %s: %v", sub.Endpoint, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusGone {
		if err := d.store.DeletePushSubscription(ctx, sub.Endpoint); err != nil {
			log.Printf("failed to delete expired push subscription %s: %v", sub.Endpoint, err)
		}
	}
}
