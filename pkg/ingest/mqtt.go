// Package ingest is the optional MQTT bridge: it subscribes to a single
// topic of JSON action requests and inserts each into the scheduler's
// action queue, supplementing spec.md's "inserted by an external
// scheduler API" contract with one concrete transport.
package ingest

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/microbotd/microbotd/pkg/logger"
	"github.com/microbotd/microbotd/pkg/persistence"
	"github.com/microbotd/microbotd/pkg/scheduler"
	"github.com/microbotd/microbotd/pkg/transport"
)

// Config controls the MQTT bridge's connection and subscription.
type Config struct {
	Broker   string
	ClientID string
	Topic    string
	QOS      byte
}

// Request is the wire format for one inbound action-enqueue message.
type Request struct {
	UID             string                 `json:"uid"`
	Kind            persistence.ActionKind `json:"action"`
	Args            map[string]any         `json:"args,omitempty"`
	RetriesLeft     int                    `json:"retries_left,omitempty"`
	ScheduledAt     time.Time              `json:"scheduled_at,omitempty"`
	PrevActionDelay float64                `json:"prev_action_delay,omitempty"`
}

// Bridge subscribes to Config.Topic and enqueues one Action per message.
type Bridge struct {
	cfg    Config
	store  persistence.Store
	sched  *scheduler.Scheduler
	log    *logger.Logger
	client mqtt.Client
}

// New constructs a Bridge. Call Start to connect and subscribe.
func New(cfg Config, store persistence.Store, sched *scheduler.Scheduler, log *logger.Logger) *Bridge {
	if log == nil {
		log = logger.Global()
	}
	return &Bridge{cfg: cfg, store: store, sched: sched, log: log}
}

// Start connects to the broker and subscribes, returning once the
// subscription is confirmed.
func (b *Bridge) Start() error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(b.cfg.Broker)
	opts.SetClientID(b.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(10 * time.Second)

	b.client = mqtt.NewClient(opts)
	if token := b.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("ingest: connect %s: %w", b.cfg.Broker, token.Error())
	}

	token := b.client.Subscribe(b.cfg.Topic, b.cfg.QOS, b.handleMessage)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("ingest: subscribe %s: %w", b.cfg.Topic, token.Error())
	}
	b.log.Info("ingest: subscribed", "broker", b.cfg.Broker, "topic", b.cfg.Topic)
	return nil
}

// Stop disconnects from the broker.
func (b *Bridge) Stop() {
	if b.client != nil {
		b.client.Disconnect(250)
	}
}

func (b *Bridge) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	var req Request
	if err := json.Unmarshal(msg.Payload(), &req); err != nil {
		b.log.Error("ingest: malformed action request", "err", err)
		return
	}
	if err := b.enqueue(req); err != nil {
		b.log.Error("ingest: enqueue action", "uid", req.UID, "action", req.Kind, "err", err)
		return
	}
	b.sched.Wake()
}

func (b *Bridge) enqueue(req Request) error {
	uid, err := transport.ParseUID(req.UID)
	if err != nil {
		return fmt.Errorf("parse uid: %w", err)
	}

	rec, err := b.store.Microbots().Get(uid)
	if err != nil {
		return fmt.Errorf("unknown microbot %s: %w", uid, err)
	}

	argsJSON, err := json.Marshal(req.Args)
	if err != nil {
		return fmt.Errorf("marshal args: %w", err)
	}

	retriesLeft := req.RetriesLeft
	if retriesLeft <= 0 {
		if req.Kind == persistence.ActionPair {
			retriesLeft = persistence.DefaultPairRetries
		} else {
			retriesLeft = persistence.DefaultRetries
		}
	}

	scheduledAt := req.ScheduledAt
	if scheduledAt.IsZero() {
		scheduledAt = time.Unix(0, 0)
	}

	action := &persistence.Action{
		MicrobotID:      rec.ID,
		MicrobotUID:     uid,
		PrevActionDelay: time.Duration(req.PrevActionDelay * float64(time.Second)),
		RetriesLeft:     retriesLeft,
		ScheduledAt:     scheduledAt,
		Kind:            req.Kind,
		Args:            argsJSON,
	}
	_, err = b.store.Actions().Enqueue(action)
	return err
}
