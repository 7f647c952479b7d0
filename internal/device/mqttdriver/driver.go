// Package mqttdriver implements device.Driver against a BLE-to-MQTT gateway. The gateway
// owns the radio; this side publishes link requests and commands and consumes the status
// records it forwards.
package mqttdriver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"example.com/treadmill/internal/device"
)

// Link states published by the gateway.
const (
	linkConnected    = "connected"
	linkDisconnected = "disconnected"
	linkUnreachable  = "unreachable"
)

// Options configures the gateway connection.
type Options struct {
	Broker    string
	ClientID  string
	Username  string
	Password  string
	TopicRoot string
	QoS       byte
	Logger    *zap.Logger
}

// Driver talks to one treadmill through the gateway.
type Driver struct {
	client mqtt.Client
	opts   Options
	logger *zap.Logger

	mu         sync.Mutex
	address    string
	lostState  string // set when the gateway drops the link unprompted
	subscriber func(device.Record)
	linkState  chan string
}

// New builds a Driver. The broker connection is opened lazily by Connect.
func New(opts Options) *Driver {
	if opts.TopicRoot == "" {
		opts.TopicRoot = "treadmill"
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	clientOpts := mqtt.NewClientOptions()
	clientOpts.AddBroker(opts.Broker)
	clientOpts.SetClientID(opts.ClientID)
	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		clientOpts.SetPassword(opts.Password)
	}
	clientOpts.SetAutoReconnect(true)
	clientOpts.SetCleanSession(true)

	d := &Driver{
		opts:      opts,
		logger:    opts.Logger.Named("mqttdriver"),
		linkState: make(chan string, 1),
	}
	clientOpts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		d.logger.Warn("gateway broker connection lost", zap.Error(err))
	})
	d.client = mqtt.NewClient(clientOpts)
	return d
}

// Topics derived from the root and the device address.
func statusTopic(root, address string) string    { return topic(root, address, "status") }
func linkTopic(root, address string) string      { return topic(root, address, "link") }
func linkStateTopic(root, address string) string { return topic(root, address, "link/state") }
func commandTopic(root, address string) string   { return topic(root, address, "command") }

func topic(root, address, leaf string) string {
	addr := strings.ToLower(strings.ReplaceAll(address, ":", ""))
	return fmt.Sprintf("%s/%s/%s", strings.TrimSuffix(root, "/"), addr, leaf)
}

// Subscribe registers the status callback.
func (d *Driver) Subscribe(fn func(device.Record)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subscriber = fn
}

// Connect asks the gateway to open the radio link and waits for its answer.
func (d *Driver) Connect(ctx context.Context, address string) error {
	if err := d.ensureBroker(ctx); err != nil {
		return err
	}

	d.mu.Lock()
	d.address = address
	d.lostState = ""
	d.mu.Unlock()
	d.drainLinkState()

	root := d.opts.TopicRoot
	if err := wait(ctx, d.client.Subscribe(statusTopic(root, address), d.opts.QoS, d.handleStatus)); err != nil {
		return fmt.Errorf("subscribe status: %w", err)
	}
	if err := wait(ctx, d.client.Subscribe(linkStateTopic(root, address), d.opts.QoS, d.handleLinkState)); err != nil {
		return fmt.Errorf("subscribe link state: %w", err)
	}
	if err := d.publish(ctx, linkTopic(root, address), linkRequest{Action: "connect"}); err != nil {
		return err
	}

	select {
	case state := <-d.linkState:
		switch state {
		case linkConnected:
			return nil
		case linkUnreachable:
			return errors.New("device unreachable")
		default:
			return fmt.Errorf("gateway reported link %s", state)
		}
	case <-ctx.Done():
		return fmt.Errorf("waiting for gateway link: %w", ctx.Err())
	}
}

// Disconnect asks the gateway to drop the radio link and stops listening for the device.
func (d *Driver) Disconnect(ctx context.Context) error {
	address := d.currentAddress()
	if address == "" || !d.client.IsConnected() {
		return nil
	}
	root := d.opts.TopicRoot
	err := d.publish(ctx, linkTopic(root, address), linkRequest{Action: "disconnect"})
	if uerr := wait(ctx, d.client.Unsubscribe(statusTopic(root, address), linkStateTopic(root, address))); uerr != nil && err == nil {
		err = uerr
	}
	return err
}

// RequestStats asks the gateway to read and forward a status record.
func (d *Driver) RequestStats(ctx context.Context) error {
	return d.WriteCommand(ctx, device.Command{Kind: device.CommandRequestStats})
}

// WriteCommand forwards cmd to the device.
func (d *Driver) WriteCommand(ctx context.Context, cmd device.Command) error {
	d.mu.Lock()
	address, lost := d.address, d.lostState
	d.mu.Unlock()
	if address == "" {
		return device.ErrNotConnected
	}
	if lost != "" {
		return fmt.Errorf("gateway reported link %s: %w", lost, device.ErrNotConnected)
	}
	return d.publish(ctx, commandTopic(d.opts.TopicRoot, address), cmd)
}

// Close disconnects from the broker.
func (d *Driver) Close() {
	if d.client.IsConnected() {
		d.client.Disconnect(250)
	}
}

func (d *Driver) ensureBroker(ctx context.Context) error {
	if d.client.IsConnected() {
		return nil
	}
	if err := wait(ctx, d.client.Connect()); err != nil {
		return fmt.Errorf("connect gateway broker: %w", err)
	}
	return nil
}

func (d *Driver) publish(ctx context.Context, topic string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if err := wait(ctx, d.client.Publish(topic, d.opts.QoS, false, body)); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (d *Driver) currentAddress() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.address
}

func (d *Driver) drainLinkState() {
	for {
		select {
		case <-d.linkState:
		default:
			return
		}
	}
}

func (d *Driver) handleStatus(_ mqtt.Client, msg mqtt.Message) {
	rec, err := decodeRecord(msg.Payload())
	if err != nil {
		d.logger.Warn("dropping malformed status record", zap.String("topic", msg.Topic()), zap.Error(err))
		return
	}
	d.mu.Lock()
	fn := d.subscriber
	d.mu.Unlock()
	if fn != nil {
		fn(rec)
	}
}

func (d *Driver) handleLinkState(_ mqtt.Client, msg mqtt.Message) {
	state := parseLinkState(msg.Payload())
	d.mu.Lock()
	switch state {
	case linkDisconnected, linkUnreachable:
		d.lostState = state
	case linkConnected:
		d.lostState = ""
	}
	address := d.address
	d.mu.Unlock()
	if state != linkConnected {
		d.logger.Info("gateway reported link down", zap.String("address", address), zap.String("state", state))
	}
	select {
	case d.linkState <- state:
	default:
		// Keep only the latest answer.
		d.drainLinkState()
		d.linkState <- state
	}
}

type linkRequest struct {
	Action string `json:"action"`
}

// gatewayRecord is the JSON status document the gateway publishes.
type gatewayRecord struct {
	Mode  *int `json:"mode"`
	Belt  *int `json:"belt_state"`
	Speed int  `json:"speed"`
	Dist  int  `json:"dist"`
	Steps int  `json:"steps"`
	Time  int  `json:"time"`
}

func decodeRecord(payload []byte) (device.Record, error) {
	var raw gatewayRecord
	if err := json.Unmarshal(payload, &raw); err != nil {
		return device.Record{}, err
	}
	if raw.Mode == nil || raw.Belt == nil {
		return device.Record{}, errors.New("record missing mode or belt_state")
	}
	return device.Record{
		Mode:     *raw.Mode,
		Belt:     *raw.Belt,
		Speed:    raw.Speed,
		Distance: raw.Dist,
		Steps:    raw.Steps,
		Time:     raw.Time,
	}, nil
}

func parseLinkState(payload []byte) string {
	var doc struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal(payload, &doc); err == nil && doc.State != "" {
		return strings.ToLower(doc.State)
	}
	return strings.ToLower(strings.TrimSpace(string(payload)))
}

// wait blocks until the token completes or ctx is done.
func wait(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(30 * time.Second):
		return errors.New("gateway did not acknowledge in time")
	}
}
