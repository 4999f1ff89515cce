package pilight

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// callLog records cross-mock call order.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(call string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, call)
}

func (l *callLog) indexOf(call string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, c := range l.calls {
		if c == call {
			return i
		}
	}
	return -1
}

// MockMQTTClient implements MQTTClient for testing.
type MockMQTTClient struct {
	mu            sync.Mutex
	published     []mockPublish
	subscriptions []string
	connected     bool
	disconnected  bool
	quiesce       uint
	handlers      map[string]func(topic string, payload []byte)
	subscribeErr  error
	publishErr    error
	log           *callLog
}

type mockPublish struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

func NewMockMQTTClient() *MockMQTTClient {
	return &MockMQTTClient{
		connected: true,
		handlers:  make(map[string]func(topic string, payload []byte)),
	}
}

func (m *MockMQTTClient) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publishErr != nil && !strings.Contains(topic, "/bridge/") {
		return m.publishErr
	}
	m.published = append(m.published, mockPublish{
		Topic:    topic,
		Payload:  payload,
		QoS:      qos,
		Retained: retained,
	})
	return nil
}

func (m *MockMQTTClient) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subscribeErr != nil {
		return m.subscribeErr
	}
	m.subscriptions = append(m.subscriptions, topic)
	m.handlers[topic] = handler
	return nil
}

func (m *MockMQTTClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockMQTTClient) Disconnect(quiesce uint) {
	m.mu.Lock()
	m.connected = false
	m.disconnected = true
	m.quiesce = quiesce
	m.mu.Unlock()
	m.log.add("mqtt.disconnect")
}

func (m *MockMQTTClient) GetPublished() []mockPublish {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]mockPublish, len(m.published))
	copy(result, m.published)
	return result
}

// GetPublishedUnder returns publishes whose topic starts with prefix.
func (m *MockMQTTClient) GetPublishedUnder(prefix string) []mockPublish {
	var result []mockPublish
	for _, p := range m.GetPublished() {
		if strings.HasPrefix(p.Topic, prefix) {
			result = append(result, p)
		}
	}
	return result
}

func (m *MockMQTTClient) GetSubscriptions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]string, len(m.subscriptions))
	copy(result, m.subscriptions)
	return result
}

func (m *MockMQTTClient) WasDisconnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disconnected
}

// Quiesce returns the grace period passed to Disconnect.
func (m *MockMQTTClient) Quiesce() uint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.quiesce
}

// SimulateMessage delivers a message to every handler whose
// subscription matches topic. Only trailing "#" wildcards are supported.
func (m *MockMQTTClient) SimulateMessage(topic string, payload []byte) {
	m.mu.Lock()
	var matched []func(string, []byte)
	for filter, h := range m.handlers {
		if filter == topic {
			matched = append(matched, h)
			continue
		}
		if prefix, ok := strings.CutSuffix(filter, "#"); ok && strings.HasPrefix(topic, prefix) {
			matched = append(matched, h)
		}
	}
	m.mu.Unlock()

	for _, h := range matched {
		h(topic, payload)
	}
}

// MockHub implements HubSession for testing.
//
// The first ProcessEvents call delivers events. Call i returns
// processErrs[i] when set; otherwise it blocks until Terminate.
type MockHub struct {
	mu              sync.Mutex
	events          []Event
	processErrs     []error
	connectErr      error
	heartbeatErr    error
	controlErr      error
	reconnectResult ReconnectResult

	connected      bool
	connectCalls   int
	heartbeatCalls int
	processCalls   int
	reconnectCalls int
	controls       []ControlCommand

	done *closeOnce
	log  *callLog
}

func NewMockHub() *MockHub {
	return &MockHub{done: newCloseOnce()}
}

func (h *MockHub) Connect(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connectCalls++
	if h.connectErr != nil {
		return h.connectErr
	}
	h.connected = true
	return nil
}

func (h *MockHub) Heartbeat() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.heartbeatCalls++
	return h.heartbeatErr
}

func (h *MockHub) SendControl(ctx context.Context, device, state string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.controls = append(h.controls, ControlCommand{Device: device, State: state})
	return h.controlErr
}

func (h *MockHub) ProcessEvents(onEvent func(Event)) error {
	h.mu.Lock()
	call := h.processCalls
	h.processCalls++
	var events []Event
	if call == 0 {
		events = h.events
	}
	var err error
	if call < len(h.processErrs) {
		err = h.processErrs[call]
	}
	h.mu.Unlock()

	for _, ev := range events {
		if h.Terminated() {
			return nil
		}
		onEvent(ev)
	}
	if err != nil {
		h.mu.Lock()
		h.connected = false
		h.mu.Unlock()
		return err
	}
	<-h.done.Done()
	return nil
}

func (h *MockHub) Reconnect(ctx context.Context) ReconnectResult {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reconnectCalls++
	if h.reconnectResult == ReconnectConnected {
		h.connected = true
	}
	return h.reconnectResult
}

func (h *MockHub) Terminate() {
	h.done.Close()
}

func (h *MockHub) Terminated() bool {
	select {
	case <-h.done.Done():
		return true
	default:
		return false
	}
}

func (h *MockHub) Disconnect() error {
	h.Terminate()
	h.mu.Lock()
	h.connected = false
	h.mu.Unlock()
	h.log.add("hub.disconnect")
	return nil
}

func (h *MockHub) IsConnected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connected
}

func (h *MockHub) Address() string {
	return "127.0.0.1:5001"
}

func (h *MockHub) Stats() SessionStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	state := StateDisconnected
	if h.connected {
		state = StateStreaming
	}
	return SessionStats{State: state, Connected: h.connected, Reconnects: uint64(h.reconnectCalls)}
}

func (h *MockHub) Controls() []ControlCommand {
	h.mu.Lock()
	defer h.mu.Unlock()
	result := make([]ControlCommand, len(h.controls))
	copy(result, h.controls)
	return result
}

func (h *MockHub) counts() (connect, heartbeat, process, reconnect int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connectCalls, h.heartbeatCalls, h.processCalls, h.reconnectCalls
}

func newTestBridge(t *testing.T, cfg Config, mqtt *MockMQTTClient, hub *MockHub) *Bridge {
	t.Helper()
	if cfg.TopicRoot == "" {
		cfg.TopicRoot = "PILIGHT"
	}
	b, err := NewBridge(BridgeOptions{
		Config:     cfg,
		MQTTClient: mqtt,
		Hub:        hub,
	})
	if err != nil {
		t.Fatalf("NewBridge() error = %v", err)
	}
	return b
}

// startBridge runs b in the background and waits for the event loop.
func startBridge(t *testing.T, b *Bridge, hub *MockHub) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	if !waitFor(t, 2*time.Second, func() bool {
		_, _, process, _ := hub.counts()
		return process > 0
	}) {
		cancel()
		t.Fatal("bridge did not start processing events")
	}
	return cancel, done
}

func waitRun(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return")
		return nil
	}
}

func switchEvent(state string, devices ...string) Event {
	return Event{
		Origin:  OriginUpdate,
		Type:    DeviceClassSwitch,
		Devices: devices,
		Values:  map[string]json.RawMessage{"state": json.RawMessage(`"` + state + `"`)},
	}
}

func TestNewBridge_Validation(t *testing.T) {
	tests := []struct {
		name string
		opts BridgeOptions
	}{
		{"missing mqtt", BridgeOptions{Hub: NewMockHub()}},
		{"missing hub", BridgeOptions{MQTTClient: NewMockMQTTClient()}},
		{"invalid qos", BridgeOptions{MQTTClient: NewMockMQTTClient(), Hub: NewMockHub(), Config: Config{QoS: 3}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewBridge(tt.opts); err == nil {
				t.Error("NewBridge() expected error")
			}
		})
	}
}

func TestNewBridge_Defaults(t *testing.T) {
	b := newTestBridge(t, Config{TopicRoot: "home/rf/"}, NewMockMQTTClient(), NewMockHub())

	if b.cfg.CommandTimeout != defaultCommandTimeout {
		t.Errorf("CommandTimeout = %v, want %v", b.cfg.CommandTimeout, defaultCommandTimeout)
	}
	if got := b.Translator().Root(); got != "home/rf" {
		t.Errorf("Translator().Root() = %q, want home/rf", got)
	}
}

func TestBridge_RunPublishesEvents(t *testing.T) {
	log := &callLog{}
	mqtt := NewMockMQTTClient()
	mqtt.log = log
	hub := NewMockHub()
	hub.log = log
	hub.events = []Event{
		switchEvent("on", "lamp1", "lamp2"),
		{Origin: OriginUpdate, Type: 7, Devices: []string{"x"}},
		{
			Origin:  OriginUpdate,
			Type:    DeviceClassSensor,
			Devices: []string{"sensor1"},
			Values: map[string]json.RawMessage{
				"temperature": json.RawMessage(`21.5`),
				"humidity":    json.RawMessage(`45`),
			},
		},
	}

	b := newTestBridge(t, Config{QoS: 1, Retain: true}, mqtt, hub)
	cancel, done := startBridge(t, b, hub)

	if !waitFor(t, 2*time.Second, func() bool {
		return len(mqtt.GetPublishedUnder("PILIGHT/status/")) == 4
	}) {
		t.Fatalf("published %d status messages, want 4", len(mqtt.GetPublishedUnder("PILIGHT/status/")))
	}

	cancel()
	if err := waitRun(t, done); err != nil {
		t.Errorf("Run() error = %v, want nil", err)
	}

	want := []struct{ topic, payload string }{
		{"PILIGHT/status/lamp1/STATE", "on"},
		{"PILIGHT/status/lamp2/STATE", "on"},
		{"PILIGHT/status/sensor1/HUMIDITY", "45"},
		{"PILIGHT/status/sensor1/TEMPERATURE", "21.5"},
	}
	got := mqtt.GetPublishedUnder("PILIGHT/status/")
	for i, w := range want {
		if got[i].Topic != w.topic || string(got[i].Payload) != w.payload {
			t.Errorf("publish %d = %s %q, want %s %q", i, got[i].Topic, got[i].Payload, w.topic, w.payload)
		}
		if got[i].QoS != 1 || !got[i].Retained {
			t.Errorf("publish %d qos=%d retained=%v, want 1/true", i, got[i].QoS, got[i].Retained)
		}
	}

	subs := mqtt.GetSubscriptions()
	if len(subs) != 1 || subs[0] != "PILIGHT/#" {
		t.Errorf("subscriptions = %v, want [PILIGHT/#]", subs)
	}

	stats := b.Stats()
	if stats.EventsPublished != 4 {
		t.Errorf("EventsPublished = %d, want 4", stats.EventsPublished)
	}
	if stats.TranslateErrors != 1 {
		t.Errorf("TranslateErrors = %d, want 1", stats.TranslateErrors)
	}
	if stats.HubAddress != "127.0.0.1:5001" {
		t.Errorf("HubAddress = %q", stats.HubAddress)
	}

	hubIdx, mqttIdx := log.indexOf("hub.disconnect"), log.indexOf("mqtt.disconnect")
	if hubIdx < 0 || mqttIdx < 0 || hubIdx > mqttIdx {
		t.Errorf("shutdown order = %v, want hub before mqtt", log.calls)
	}
}

func TestBridge_SubscribeFailure(t *testing.T) {
	mqtt := NewMockMQTTClient()
	mqtt.subscribeErr = errors.New("not authorised")
	hub := NewMockHub()

	b := newTestBridge(t, Config{}, mqtt, hub)
	err := b.Run(context.Background())

	if !errors.Is(err, ErrBusConnect) {
		t.Fatalf("Run() error = %v, want ErrBusConnect", err)
	}
	if ExitCode(err) != 1 {
		t.Errorf("ExitCode() = %d, want 1", ExitCode(err))
	}
	if connect, _, _, _ := hub.counts(); connect != 0 {
		t.Errorf("hub Connect called %d times, want 0", connect)
	}
	if !mqtt.WasDisconnected() {
		t.Error("MQTT client not disconnected")
	}
	if got := mqtt.Quiesce(); got != disconnectQuiesce {
		t.Errorf("Disconnect quiesce = %d, want %d", got, disconnectQuiesce)
	}
}

func TestBridge_HubStartupFailure(t *testing.T) {
	tests := []struct {
		name         string
		connectErr   error
		heartbeatErr error
		wantErr      error
	}{
		{"connect refused", ErrConnectFailed, nil, ErrConnectFailed},
		{"identify rejected", ErrHandshakeFailed, nil, ErrHandshakeFailed},
		{"bad heartbeat", nil, ErrHandshakeFailed, ErrHandshakeFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mqtt := NewMockMQTTClient()
			hub := NewMockHub()
			hub.connectErr = tt.connectErr
			hub.heartbeatErr = tt.heartbeatErr

			b := newTestBridge(t, Config{}, mqtt, hub)
			err := b.Run(context.Background())

			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Run() error = %v, want %v", err, tt.wantErr)
			}
			if ExitCode(err) != 1 {
				t.Errorf("ExitCode() = %d, want 1", ExitCode(err))
			}
			if _, _, process, _ := hub.counts(); process != 0 {
				t.Errorf("ProcessEvents called %d times, want 0", process)
			}
			if !mqtt.WasDisconnected() {
				t.Error("MQTT client not disconnected")
			}
		})
	}
}

func TestBridge_ForwardsCommands(t *testing.T) {
	mqtt := NewMockMQTTClient()
	hub := NewMockHub()

	b := newTestBridge(t, Config{TopicRoot: "root"}, mqtt, hub)
	cancel, done := startBridge(t, b, hub)
	defer cancel()

	mqtt.SimulateMessage("root/set/lamp1/STATE", []byte("off"))
	mqtt.SimulateMessage("root/status/lamp1/STATE", []byte("off"))
	mqtt.SimulateMessage("root/bridge/status", []byte(`{"status":"online"}`))

	controls := hub.Controls()
	if len(controls) != 1 {
		t.Fatalf("hub received %d controls, want 1: %v", len(controls), controls)
	}
	if controls[0] != (ControlCommand{Device: "lamp1", State: "off"}) {
		t.Errorf("control = %+v, want lamp1/off", controls[0])
	}
	if got := b.Stats().CommandsForwarded; got != 1 {
		t.Errorf("CommandsForwarded = %d, want 1", got)
	}

	cancel()
	if err := waitRun(t, done); err != nil {
		t.Errorf("Run() error = %v", err)
	}
}

func TestBridge_CommandFailureIsNotFatal(t *testing.T) {
	mqtt := NewMockMQTTClient()
	hub := NewMockHub()
	hub.controlErr = ErrControlRejected

	b := newTestBridge(t, Config{}, mqtt, hub)
	cancel, done := startBridge(t, b, hub)
	defer cancel()

	mqtt.SimulateMessage("PILIGHT/set/lamp1/STATE", []byte("on"))

	if got := b.Stats().CommandsFailed; got != 1 {
		t.Errorf("CommandsFailed = %d, want 1", got)
	}

	select {
	case err := <-done:
		t.Fatalf("Run() returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	if err := waitRun(t, done); err != nil {
		t.Errorf("Run() error = %v", err)
	}
}

func TestBridge_PublishErrorsAreCounted(t *testing.T) {
	mqtt := NewMockMQTTClient()
	mqtt.publishErr = errors.New("broker unavailable")
	hub := NewMockHub()
	hub.events = []Event{switchEvent("on", "lamp1")}

	b := newTestBridge(t, Config{}, mqtt, hub)
	cancel, done := startBridge(t, b, hub)

	if !waitFor(t, 2*time.Second, func() bool { return b.Stats().PublishErrors == 1 }) {
		t.Errorf("PublishErrors = %d, want 1", b.Stats().PublishErrors)
	}

	cancel()
	if err := waitRun(t, done); err != nil {
		t.Errorf("Run() error = %v", err)
	}
}

func TestBridge_ConnectionLostWithoutReconnect(t *testing.T) {
	mqtt := NewMockMQTTClient()
	hub := NewMockHub()
	hub.processErrs = []error{ErrConnectionLost}

	b := newTestBridge(t, Config{}, mqtt, hub)
	err := b.Run(context.Background())

	if !errors.Is(err, ErrConnectionLost) {
		t.Fatalf("Run() error = %v, want ErrConnectionLost", err)
	}
	if ExitCode(err) != 1 {
		t.Errorf("ExitCode() = %d, want 1", ExitCode(err))
	}
	if _, _, _, reconnect := hub.counts(); reconnect != 0 {
		t.Errorf("Reconnect called %d times, want 0", reconnect)
	}
}

func TestBridge_AutoReconnect(t *testing.T) {
	mqtt := NewMockMQTTClient()
	hub := NewMockHub()
	hub.processErrs = []error{ErrConnectionLost}
	hub.reconnectResult = ReconnectConnected

	b := newTestBridge(t, Config{AutoReconnect: true}, mqtt, hub)
	cancel, done := startBridge(t, b, hub)

	if !waitFor(t, 2*time.Second, func() bool {
		_, _, process, _ := hub.counts()
		return process == 2
	}) {
		t.Fatal("event loop was not restarted after reconnect")
	}

	_, heartbeat, _, reconnect := hub.counts()
	if reconnect != 1 {
		t.Errorf("Reconnect called %d times, want 1", reconnect)
	}
	if heartbeat != 2 {
		t.Errorf("Heartbeat called %d times, want 2", heartbeat)
	}

	cancel()
	if err := waitRun(t, done); err != nil {
		t.Errorf("Run() error = %v, want nil", err)
	}
}

func TestBridge_AutoReconnectGivesUp(t *testing.T) {
	mqtt := NewMockMQTTClient()
	hub := NewMockHub()
	hub.processErrs = []error{ErrConnectionLost}
	hub.reconnectResult = ReconnectGaveUp

	b := newTestBridge(t, Config{AutoReconnect: true}, mqtt, hub)
	err := b.Run(context.Background())

	if !errors.Is(err, ErrConnectionLost) {
		t.Errorf("Run() error = %v, want ErrConnectionLost", err)
	}
}

func TestBridge_HealthReports(t *testing.T) {
	mqtt := NewMockMQTTClient()
	hub := NewMockHub()

	b := newTestBridge(t, Config{
		HealthTopic:    "PILIGHT/bridge/health",
		HealthInterval: 20 * time.Millisecond,
		Version:        "1.2.3",
	}, mqtt, hub)
	cancel, done := startBridge(t, b, hub)

	healthy := func() bool {
		for _, p := range mqtt.GetPublishedUnder("PILIGHT/bridge/health") {
			var msg HealthMessage
			if json.Unmarshal(p.Payload, &msg) == nil && msg.Status == HealthHealthy {
				return true
			}
		}
		return false
	}
	if !waitFor(t, 2*time.Second, healthy) {
		t.Fatal("no healthy report published")
	}

	cancel()
	if err := waitRun(t, done); err != nil {
		t.Errorf("Run() error = %v", err)
	}

	reports := mqtt.GetPublishedUnder("PILIGHT/bridge/health")
	var first, last HealthMessage
	if err := json.Unmarshal(reports[0].Payload, &first); err != nil {
		t.Fatalf("unmarshal first report: %v", err)
	}
	if err := json.Unmarshal(reports[len(reports)-1].Payload, &last); err != nil {
		t.Fatalf("unmarshal last report: %v", err)
	}
	if first.Status != HealthStarting {
		t.Errorf("first report status = %q, want starting", first.Status)
	}
	if last.Status != HealthStopping {
		t.Errorf("last report status = %q, want stopping", last.Status)
	}
	if last.Version != "1.2.3" {
		t.Errorf("Version = %q, want 1.2.3", last.Version)
	}
	if !reports[0].Retained || reports[0].QoS != 1 {
		t.Errorf("health report qos=%d retained=%v, want 1/true", reports[0].QoS, reports[0].Retained)
	}
}

func TestExitCode(t *testing.T) {
	if got := ExitCode(nil); got != 0 {
		t.Errorf("ExitCode(nil) = %d, want 0", got)
	}
	if got := ExitCode(ErrConnectFailed); got != 1 {
		t.Errorf("ExitCode(ErrConnectFailed) = %d, want 1", got)
	}
}
