// Package events publishes flight plan lifecycle changes to an MQTT broker
// so operator consoles can follow plans without polling the HTTP API.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/signalsfoundry/satops/internal/apperr"
	"github.com/signalsfoundry/satops/internal/logging"
	"github.com/signalsfoundry/satops/model"
)

const (
	DefaultTopicPrefix    = "satops"
	defaultConnectTimeout = 10 * time.Second
	defaultPublishTimeout = 2 * time.Second
	defaultQueueSize      = 256
)

// Config locates the broker. An empty Broker disables publishing.
type Config struct {
	Broker         string // tcp://host:1883
	ClientID       string
	Username       string
	Password       string
	TopicPrefix    string
	QoS            byte
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
	// QueueSize bounds events waiting for the broker; further events are
	// dropped until it drains.
	QueueSize int
}

func (c Config) withDefaults() Config {
	if c.TopicPrefix == "" {
		c.TopicPrefix = DefaultTopicPrefix
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = defaultPublishTimeout
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	return c
}

// PlanEvent is the payload published for every status change.
type PlanEvent struct {
	FlightPlanID    string                 `json:"flightPlanId"`
	Status          model.FlightPlanStatus `json:"status"`
	SatelliteID     int                    `json:"satelliteId"`
	GroundStationID int                    `json:"groundStationId"`
	ScheduledAt     time.Time              `json:"scheduledAt"`
	PreviousPlanID  string                 `json:"previousPlanId,omitempty"`
	ApproverID      string                 `json:"approverId,omitempty"`
	At              time.Time              `json:"at"`
}

// Publisher sends PlanEvents over one paho client connection. Status
// changes are queued and published by a background goroutine, so lifecycle
// calls never wait on the broker.
type Publisher struct {
	client  pahomqtt.Client
	cfg     Config
	log     logging.Logger
	now     func() time.Time
	timeout time.Duration

	// deliver publishes one queued event; Publish outside tests.
	deliver func(context.Context, PlanEvent) error

	mu     sync.RWMutex
	closed bool
	queue  chan PlanEvent
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Dial connects to cfg.Broker. The client reconnects on its own after the
// first successful connect.
func Dial(ctx context.Context, cfg Config, log logging.Logger) (*Publisher, error) {
	if strings.TrimSpace(cfg.Broker) == "" {
		return nil, errors.New("mqtt broker address is empty")
	}
	cfg = cfg.withDefaults()
	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("satops-%d", time.Now().UnixNano())
	}
	if log == nil {
		log = logging.Noop()
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(time.Minute)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		log.Warn(context.Background(), "mqtt connection lost", logging.Err(err))
	})

	client := pahomqtt.NewClient(opts)
	tok := client.Connect()
	if err := wait(ctx, tok, cfg.ConnectTimeout); err != nil {
		return nil, fmt.Errorf("%w: connect mqtt broker %s: %w", apperr.ErrUpstreamUnavailable, cfg.Broker, err)
	}
	log.Info(ctx, "connected to mqtt broker", logging.String("broker", cfg.Broker))

	p := newPublisher(client, cfg, log)
	p.deliver = p.Publish
	p.start()
	return p, nil
}

func newPublisher(client pahomqtt.Client, cfg Config, log logging.Logger) *Publisher {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Publisher{
		client:  client,
		cfg:     cfg,
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
		timeout: cfg.PublishTimeout,
		queue:   make(chan PlanEvent, cfg.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

func (p *Publisher) start() {
	go p.drain()
}

// drain publishes queued events in order until the queue is closed. Once
// the publisher is cancelled the remaining events are dropped.
func (p *Publisher) drain() {
	defer close(p.done)
	dropped := 0
	for ev := range p.queue {
		if p.ctx.Err() != nil {
			dropped++
			continue
		}
		ctx, cancel := context.WithTimeout(p.ctx, p.timeout)
		err := p.deliver(ctx, ev)
		cancel()
		if err != nil {
			p.log.Warn(ctx, "plan event not published",
				logging.String("flight_plan_id", ev.FlightPlanID),
				logging.String("status", string(ev.Status)),
				logging.Err(err),
			)
		}
	}
	if dropped > 0 {
		p.log.Warn(context.Background(), "plan events dropped at shutdown", logging.Int("count", dropped))
	}
}

// Topic is where events for plan id are published.
func (p *Publisher) Topic(id string) string {
	return p.cfg.TopicPrefix + "/flight-plans/" + id + "/status"
}

// Publish sends ev and waits for the broker acknowledgement required by the
// configured QoS.
func (p *Publisher) Publish(ctx context.Context, ev PlanEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode plan event: %w", err)
	}
	tok := p.client.Publish(p.Topic(ev.FlightPlanID), p.cfg.QoS, false, body)
	if err := wait(ctx, tok, p.timeout); err != nil {
		return fmt.Errorf("%w: publish plan event: %w", apperr.ErrUpstreamUnavailable, err)
	}
	return nil
}

// PlanChanged queues the plan's new status for publishing and returns
// without waiting for the broker. Broker failures and a full queue are
// logged and never fail the lifecycle operation that triggered them.
func (p *Publisher) PlanChanged(ctx context.Context, plan *model.FlightPlan) {
	if p == nil || plan == nil {
		return
	}
	ev := PlanEvent{
		FlightPlanID:    plan.ID.String(),
		Status:          plan.Status,
		SatelliteID:     plan.SatelliteID,
		GroundStationID: plan.GroundStationID,
		ScheduledAt:     plan.ScheduledAt,
		ApproverID:      plan.ApproverID,
		At:              p.now(),
	}
	if plan.PreviousPlanID != nil {
		ev.PreviousPlanID = plan.PreviousPlanID.String()
	}
	if !p.enqueue(ev) {
		p.log.Warn(ctx, "plan event dropped",
			logging.String("flight_plan_id", ev.FlightPlanID),
			logging.String("status", string(ev.Status)),
		)
	}
}

func (p *Publisher) enqueue(ev PlanEvent) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.queue <- ev:
		return true
	default:
		return false
	}
}

// Ping reports whether the client currently holds a broker connection.
func (p *Publisher) Ping(context.Context) error {
	if !p.client.IsConnectionOpen() {
		return fmt.Errorf("%w: mqtt broker %s", apperr.ErrUpstreamUnavailable, p.cfg.Broker)
	}
	return nil
}

// Close stops accepting events, gives queued ones one publish timeout to
// reach the broker, then disconnects. It is safe to call more than once.
func (p *Publisher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	timer := time.NewTimer(p.timeout)
	select {
	case <-p.done:
	case <-timer.C:
	}
	timer.Stop()
	p.cancel()
	<-p.done

	if p.client != nil {
		p.client.Disconnect(250)
	}
}

func wait(ctx context.Context, tok pahomqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-tok.Done():
		return tok.Error()
	case <-timer.C:
		return errors.New("timed out")
	case <-ctx.Done():
		return ctx.Err()
	}
}
