package store

import (
	"log/slog"

	"github.com/flockd/flock/internal/bus"
	"github.com/flockd/flock/internal/message"
	"github.com/nats-io/nats.go"
)

// Recorder subscribes to the shared results stream, the status tree and
// the dead-letter subject and persists everything it sees. It sits off
// the publish path entirely: a slow or broken store costs history, never
// delivery.
type Recorder struct {
	store  *Store
	client *bus.Client
	log    *slog.Logger
	subs   []*nats.Subscription
}

func NewRecorder(s *Store, client *bus.Client, log *slog.Logger) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{store: s, client: client, log: log}
}

func (r *Recorder) Start() error {
	sub, err := r.client.Subscribe(bus.SubjectResults, r.onResult)
	if err != nil {
		return err
	}
	r.subs = append(r.subs, sub)

	sub, err = r.client.Subscribe(bus.StatusPattern("#"), r.onStatus)
	if err != nil {
		return err
	}
	r.subs = append(r.subs, sub)

	sub, err = r.client.Subscribe(bus.SubjectTaskDead, r.onDeadTask)
	if err != nil {
		return err
	}
	r.subs = append(r.subs, sub)

	return nil
}

func (r *Recorder) onResult(msg *nats.Msg) {
	var res message.Result
	if err := message.Decode(msg.Data, &res, "result"); err != nil {
		r.log.Warn("recorder: undecodable result", "error", err)
		return
	}
	if err := r.store.SaveResult(res); err != nil {
		r.log.Warn("recorder: save result failed", "error", err)
	}
}

func (r *Recorder) onStatus(msg *nats.Msg) {
	var ev message.StatusEvent
	if err := message.Decode(msg.Data, &ev, "status event"); err != nil {
		r.log.Warn("recorder: undecodable status event", "error", err)
		return
	}
	if err := r.store.SaveStatusEvent(ev); err != nil {
		r.log.Warn("recorder: save status event failed", "error", err)
	}
}

func (r *Recorder) onDeadTask(msg *nats.Msg) {
	var t message.Task
	if err := message.Decode(msg.Data, &t, "task"); err != nil {
		r.log.Warn("recorder: undecodable dead task", "error", err)
		return
	}
	if err := r.store.SaveDeadTask(t); err != nil {
		r.log.Warn("recorder: save dead task failed", "error", err)
	}
}

func (r *Recorder) Close() {
	for _, s := range r.subs {
		_ = s.Unsubscribe()
	}
	r.subs = nil
}
