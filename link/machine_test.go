package link

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestMachineHelloWorld(t *testing.T) {
	m, tr, sink := newTestMachine(t)
	driveTo(t, m, "P1", StateReceiving)

	wantCalls := []string{
		"startScan 1 false",
		"connect P1",
		"stopScan",
		"discoverServices P1",
		"discoverCharacteristics P1 " + TransferServiceUUID.String(),
		"setNotify P1 0x0003 true",
	}
	if len(tr.calls) != len(wantCalls) {
		t.Fatalf("calls = %q, want %q", tr.calls, wantCalls)
	}
	for i := range wantCalls {
		if tr.calls[i] != wantCalls[i] {
			t.Errorf("call %d = %q, want %q", i, tr.calls[i], wantCalls[i])
		}
	}
	tr.reset()

	for _, frag := range []string{"hello ", "world", "EOM"} {
		m.Handle(ValueUpdated{Peer: "P1", Characteristic: transferRef, Value: []byte(frag)})
	}

	if len(sink.messages) != 1 || string(sink.messages[0]) != "hello world" {
		t.Fatalf("messages = %q", sink.messages)
	}
	if len(tr.calls) != 2 || tr.calls[0] != "setNotify P1 0x0003 false" || tr.calls[1] != "disconnect P1" {
		t.Fatalf("teardown calls = %q", tr.calls)
	}
	expectState(t, m, StateDisconnecting)
	if !sink.hasLine(`Received: "hello "`) || !sink.hasLine("Message complete") {
		t.Errorf("sink lines missing progress: %q", sink.lines)
	}

	m.Handle(Disconnected{Peer: "P1"})
	expectState(t, m, StateScanning)
	if tr.last() != "startScan 1 false" {
		t.Fatalf("last call = %q, want rescan", tr.last())
	}
	if _, ok := m.Peer(); ok {
		t.Fatal("peer still tracked after disconnect")
	}
	if m.LastError() != nil {
		t.Fatalf("unexpected error: %v", m.LastError())
	}
}

func TestMachineIgnoresAdvertisementBeforePowerOn(t *testing.T) {
	m, tr, sink := newTestMachine(t)
	m.Handle(AdvertisementSeen{Peer: "P1", RSSI: -25})
	expectState(t, m, StateIdle)
	if len(tr.calls) != 0 {
		t.Fatalf("calls = %q", tr.calls)
	}
	if !sink.hasLine("Discovered P1") {
		t.Fatalf("discovery not logged: %q", sink.lines)
	}
}

func TestMachinePowerOffResets(t *testing.T) {
	m, tr, sink := newTestMachine(t)
	driveTo(t, m, "P1", StateReceiving)
	tr.reset()

	m.Handle(PowerStateChanged{PoweredOn: false, State: "poweredOff"})
	expectState(t, m, StateIdle)
	if _, ok := m.Peer(); ok {
		t.Fatal("peer kept across power off")
	}
	if !sink.hasLine("Bluetooth not available") {
		t.Fatalf("lines = %q", sink.lines)
	}

	m.Handle(PowerStateChanged{PoweredOn: true})
	expectState(t, m, StateScanning)
	if tr.count("startScan") != 1 {
		t.Fatalf("calls = %q", tr.calls)
	}
}

func TestMachinePowerOnWhileActiveIsNoop(t *testing.T) {
	m, tr, _ := newTestMachine(t)
	driveTo(t, m, "P1", StateDiscoveringServices)
	tr.reset()
	m.Handle(PowerStateChanged{PoweredOn: true})
	expectState(t, m, StateDiscoveringServices)
	if len(tr.calls) != 0 {
		t.Fatalf("calls = %q", tr.calls)
	}
}

func TestMachineGateRejectsOutsideWindow(t *testing.T) {
	m, tr, sink := newTestMachine(t)
	driveTo(t, m, "P1", StateScanning)

	for _, rssi := range []int{-80, -35, -15, -5} {
		m.Handle(AdvertisementSeen{Peer: "P1", RSSI: rssi})
		expectState(t, m, StateScanning)
	}
	if tr.count("connect") != 0 {
		t.Fatalf("connected outside window: %q", tr.calls)
	}
	if !sink.hasLine("outside window") {
		t.Fatalf("lines = %q", sink.lines)
	}
}

func TestMachineSingleConnectAttempt(t *testing.T) {
	m, tr, _ := newTestMachine(t)
	driveTo(t, m, "P1", StateConnecting)

	m.Handle(AdvertisementSeen{Peer: "P2", RSSI: -20})
	m.Handle(AdvertisementSeen{Peer: "P1", RSSI: -20})
	if n := tr.count("connect"); n != 1 {
		t.Fatalf("connect issued %d times", n)
	}
	p, _ := m.Peer()
	if p.ID != "P1" || p.RSSI != -25 {
		t.Fatalf("peer = %+v", p)
	}
}

func TestMachineIgnoresStalePeer(t *testing.T) {
	m, tr, sink := newTestMachine(t)
	driveTo(t, m, "P1", StateReceiving)
	tr.reset()
	epoch := m.Epoch()

	stale := []Event{
		Connected{Peer: "P2"},
		ConnectFailed{Peer: "P2", Err: errors.New("nope")},
		Disconnected{Peer: "P2"},
		ServicesDiscovered{Peer: "P2", Services: []uuid.UUID{TransferServiceUUID}},
		CharacteristicsDiscovered{Peer: "P2", Service: TransferServiceUUID, Characteristics: []CharacteristicRef{transferRef}},
		NotifyStateChanged{Peer: "P2", Characteristic: transferRef, Notifying: false},
		ValueUpdated{Peer: "P2", Characteristic: transferRef, Value: []byte("EOM")},
		Timeout{Peer: "P2", State: StateReceiving, Epoch: epoch},
	}
	for _, ev := range stale {
		m.Handle(ev)
	}
	expectState(t, m, StateReceiving)
	if m.Epoch() != epoch {
		t.Fatalf("epoch moved %d -> %d", epoch, m.Epoch())
	}
	if len(tr.calls) != 0 || len(sink.messages) != 0 {
		t.Fatalf("stale events had effects: calls=%q messages=%q", tr.calls, sink.messages)
	}
}

func TestMachineEventsWithoutPeerIgnored(t *testing.T) {
	m, tr, _ := newTestMachine(t)
	driveTo(t, m, "P1", StateScanning)
	tr.reset()
	m.Handle(Connected{Peer: "P1"})
	m.Handle(Disconnected{Peer: "P1"})
	expectState(t, m, StateScanning)
	if len(tr.calls) != 0 {
		t.Fatalf("calls = %q", tr.calls)
	}
}

func TestMachineDisconnectedFromEveryState(t *testing.T) {
	states := []State{
		StateConnecting,
		StateDiscoveringServices,
		StateDiscoveringCharacteristics,
		StateSubscribing,
		StateReceiving,
	}
	for _, s := range states {
		t.Run(s.String(), func(t *testing.T) {
			m, tr, _ := newTestMachine(t)
			driveTo(t, m, "P1", s)
			tr.reset()

			m.Handle(Disconnected{Peer: "P1", Err: errors.New("link lost")})
			expectState(t, m, StateScanning)
			if _, ok := m.Peer(); ok {
				t.Fatal("peer not cleared")
			}
			if tr.count("startScan") != 1 {
				t.Fatalf("calls = %q", tr.calls)
			}
			if tr.count("setNotify") != 0 {
				t.Fatalf("cleanup ran on a dead link: %q", tr.calls)
			}

			// a fresh candidate is accepted afterwards
			m.Handle(AdvertisementSeen{Peer: "P2", RSSI: -30})
			expectState(t, m, StateConnecting)
		})
	}
}

func TestMachineDisconnectedWhileDisconnecting(t *testing.T) {
	m, tr, _ := newTestMachine(t)
	driveTo(t, m, "P1", StateReceiving)
	m.Handle(ValueUpdated{Peer: "P1", Characteristic: transferRef, Value: []byte("EOM")})
	expectState(t, m, StateDisconnecting)
	tr.reset()

	m.Handle(Disconnected{Peer: "P1"})
	expectState(t, m, StateScanning)
	if tr.last() != "startScan 1 false" {
		t.Fatalf("calls = %q", tr.calls)
	}
}

func TestMachineConnectFailed(t *testing.T) {
	m, tr, _ := newTestMachine(t)
	driveTo(t, m, "P1", StateConnecting)
	tr.reset()

	m.Handle(ConnectFailed{Peer: "P1", Err: errors.New("out of range")})
	expectState(t, m, StateScanning)
	if !errors.Is(m.LastError(), ErrConnectFailed) {
		t.Fatalf("LastError = %v", m.LastError())
	}
	if len(tr.calls) != 0 {
		t.Fatalf("scan restarted needlessly: %q", tr.calls)
	}

	// same peer may be retried
	m.Handle(AdvertisementSeen{Peer: "P1", RSSI: -25})
	expectState(t, m, StateConnecting)
	if tr.count("connect P1") != 1 {
		t.Fatalf("calls = %q", tr.calls)
	}
}

func TestMachineEmptyServices(t *testing.T) {
	m, tr, sink := newTestMachine(t)
	driveTo(t, m, "P1", StateDiscoveringServices)
	tr.reset()

	m.Handle(ServicesDiscovered{Peer: "P1"})
	expectState(t, m, StateDiscoveringServices)
	if len(tr.calls) != 0 {
		t.Fatalf("calls = %q", tr.calls)
	}
	if !sink.hasLine("No services to discover") {
		t.Fatalf("lines = %q", sink.lines)
	}
}

func TestMachineServicesError(t *testing.T) {
	m, tr, _ := newTestMachine(t)
	driveTo(t, m, "P1", StateDiscoveringServices)
	tr.reset()

	m.Handle(ServicesDiscovered{Peer: "P1", Err: errors.New("att error")})
	expectState(t, m, StateDisconnecting)
	if tr.last() != "disconnect P1" {
		t.Fatalf("calls = %q", tr.calls)
	}
	if !errors.Is(m.LastError(), ErrDiscoveryFailed) {
		t.Fatalf("LastError = %v", m.LastError())
	}
}

func TestMachineNoMatchingCharacteristic(t *testing.T) {
	m, tr, sink := newTestMachine(t)
	driveTo(t, m, "P1", StateDiscoveringCharacteristics)
	tr.reset()

	other := CharacteristicRef{Service: TransferServiceUUID, UUID: uuid.New(), Handle: 0x0005}
	m.Handle(CharacteristicsDiscovered{Peer: "P1", Service: TransferServiceUUID, Characteristics: []CharacteristicRef{other}})
	expectState(t, m, StateDiscoveringCharacteristics)
	if tr.count("setNotify") != 0 {
		t.Fatalf("calls = %q", tr.calls)
	}
	if !sink.hasLine("No characteristics to subscribe") {
		t.Fatalf("lines = %q", sink.lines)
	}
}

func TestMachineSubscribesEveryMatchingCharacteristic(t *testing.T) {
	m, tr, _ := newTestMachine(t)
	driveTo(t, m, "P1", StateDiscoveringCharacteristics)
	tr.reset()

	second := transferRef
	second.Handle = 0x0007
	m.Handle(CharacteristicsDiscovered{Peer: "P1", Service: TransferServiceUUID, Characteristics: []CharacteristicRef{transferRef, second}})
	expectState(t, m, StateSubscribing)
	if tr.count("setNotify") != 2 {
		t.Fatalf("calls = %q", tr.calls)
	}

	m.Handle(NotifyStateChanged{Peer: "P1", Characteristic: transferRef, Notifying: true})
	expectState(t, m, StateReceiving)
	m.Handle(NotifyStateChanged{Peer: "P1", Characteristic: second, Notifying: true})
	expectState(t, m, StateReceiving)

	// one stopping is tolerated while another still notifies
	tr.reset()
	m.Handle(NotifyStateChanged{Peer: "P1", Characteristic: second, Notifying: false})
	expectState(t, m, StateReceiving)
	if len(tr.calls) != 0 {
		t.Fatalf("calls = %q", tr.calls)
	}

	m.Handle(NotifyStateChanged{Peer: "P1", Characteristic: transferRef, Notifying: false})
	expectState(t, m, StateDisconnecting)
	if tr.last() != "disconnect P1" {
		t.Fatalf("calls = %q", tr.calls)
	}
}

func TestMachineSubscriptionError(t *testing.T) {
	m, tr, _ := newTestMachine(t)
	driveTo(t, m, "P1", StateSubscribing)
	tr.reset()

	m.Handle(NotifyStateChanged{Peer: "P1", Characteristic: transferRef, Err: errors.New("insufficient authentication")})
	expectState(t, m, StateDisconnecting)
	if !errors.Is(m.LastError(), ErrSubscriptionRejected) {
		t.Fatalf("LastError = %v", m.LastError())
	}
	if tr.last() != "disconnect P1" {
		t.Fatalf("calls = %q", tr.calls)
	}
}

func TestMachineSubscriptionDeclined(t *testing.T) {
	m, tr, sink := newTestMachine(t)
	driveTo(t, m, "P1", StateSubscribing)
	tr.reset()

	m.Handle(NotifyStateChanged{Peer: "P1", Characteristic: transferRef, Notifying: false})
	expectState(t, m, StateDisconnecting)
	if !sink.hasLine("Notification stopped") {
		t.Fatalf("lines = %q", sink.lines)
	}
	if tr.last() != "disconnect P1" {
		t.Fatalf("calls = %q", tr.calls)
	}
}

func TestMachineValueBeforeReceivingIgnored(t *testing.T) {
	m, _, sink := newTestMachine(t)
	driveTo(t, m, "P1", StateSubscribing)
	m.Handle(ValueUpdated{Peer: "P1", Characteristic: transferRef, Value: []byte("EOM")})
	expectState(t, m, StateSubscribing)
	if len(sink.messages) != 0 {
		t.Fatalf("messages = %q", sink.messages)
	}
}

func TestMachineValueErrorIgnored(t *testing.T) {
	m, _, sink := newTestMachine(t)
	driveTo(t, m, "P1", StateReceiving)
	m.Handle(ValueUpdated{Peer: "P1", Characteristic: transferRef, Err: errors.New("read failed")})
	m.Handle(ValueUpdated{Peer: "P1", Characteristic: transferRef, Value: []byte("ok")})
	m.Handle(ValueUpdated{Peer: "P1", Characteristic: transferRef, Value: []byte("EOM")})
	if len(sink.messages) != 1 || string(sink.messages[0]) != "ok" {
		t.Fatalf("messages = %q", sink.messages)
	}
}

func TestMachineEmptyMessageDelivered(t *testing.T) {
	m, _, sink := newTestMachine(t)
	driveTo(t, m, "P1", StateReceiving)
	m.Handle(ValueUpdated{Peer: "P1", Characteristic: transferRef, Value: []byte("EOM")})
	if len(sink.messages) != 1 || sink.messages[0] == nil || len(sink.messages[0]) != 0 {
		t.Fatalf("messages = %#v", sink.messages)
	}
}

func TestMachineMessageTooLarge(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxMessageSize = 4
	tr := newFakeTransport()
	sink := &fakeSink{}
	m, err := NewMachine(cfg, tr, sink)
	if err != nil {
		t.Fatal(err)
	}
	driveTo(t, m, "P1", StateReceiving)

	m.Handle(ValueUpdated{Peer: "P1", Characteristic: transferRef, Value: []byte("hello")})
	expectState(t, m, StateReceiving)
	err = m.LastError()
	if !errors.Is(err, ErrAssembly) || !errors.Is(err, ErrMessageTooLarge) {
		t.Fatalf("LastError = %v", err)
	}
}

func TestMachineOversizedMessageNotDelivered(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxMessageSize = 8
	tr := newFakeTransport()
	sink := &fakeSink{}
	m, err := NewMachine(cfg, tr, sink)
	if err != nil {
		t.Fatal(err)
	}
	driveTo(t, m, "P1", StateReceiving)
	tr.reset()

	for _, frag := range []string{"hello ", "wonderful ", "x"} {
		m.Handle(ValueUpdated{Peer: "P1", Characteristic: transferRef, Value: []byte(frag)})
		expectState(t, m, StateReceiving)
	}
	m.Handle(ValueUpdated{Peer: "P1", Characteristic: transferRef, Value: []byte(Sentinel)})

	if len(sink.messages) != 0 {
		t.Fatalf("delivered %q", sink.messages)
	}
	if !errors.Is(m.LastError(), ErrMessageTooLarge) {
		t.Fatalf("LastError = %v", m.LastError())
	}
	expectState(t, m, StateDisconnecting)
	if tr.count("setNotify P1 0x0003 false") != 1 || tr.count("disconnect P1") != 1 {
		t.Fatalf("calls = %v", tr.calls)
	}

	m.Handle(Disconnected{Peer: "P1"})
	expectState(t, m, StateScanning)
	if len(sink.messages) != 0 {
		t.Fatalf("delivered %q after disconnect", sink.messages)
	}
}

func TestMachineLateCharacteristicErrorCleansUp(t *testing.T) {
	m, tr, _ := newTestMachine(t)
	other := uuid.New()
	m.Handle(PowerStateChanged{PoweredOn: true})
	m.Handle(AdvertisementSeen{Peer: "P1", RSSI: -25})
	m.Handle(Connected{Peer: "P1"})
	m.Handle(ServicesDiscovered{Peer: "P1", Services: []uuid.UUID{TransferServiceUUID, other}})
	if tr.count("discoverCharacteristics") != 2 {
		t.Fatalf("calls = %q", tr.calls)
	}
	m.Handle(CharacteristicsDiscovered{Peer: "P1", Service: TransferServiceUUID, Characteristics: []CharacteristicRef{transferRef}})
	m.Handle(NotifyStateChanged{Peer: "P1", Characteristic: transferRef, Notifying: true})
	expectState(t, m, StateReceiving)
	tr.reset()

	m.Handle(CharacteristicsDiscovered{Peer: "P1", Service: other, Err: errors.New("att error")})
	expectState(t, m, StateDisconnecting)
	if len(tr.calls) != 2 || tr.calls[0] != "setNotify P1 0x0003 false" || tr.calls[1] != "disconnect P1" {
		t.Fatalf("calls = %q", tr.calls)
	}
}

func TestMachineConnectTimeout(t *testing.T) {
	m, tr, _ := newTestMachine(t)
	driveTo(t, m, "P1", StateConnecting)
	tr.reset()

	m.Handle(Timeout{Peer: "P1", State: StateConnecting, Epoch: m.Epoch(), Elapsed: 10 * time.Second})
	expectState(t, m, StateScanning)
	if !errors.Is(m.LastError(), ErrTimeout) {
		t.Fatalf("LastError = %v", m.LastError())
	}
	if len(tr.calls) != 1 || tr.calls[0] != "disconnect P1" {
		t.Fatalf("calls = %q", tr.calls)
	}

	// the cancelled attempt reporting back later is stale
	m.Handle(Disconnected{Peer: "P1"})
	if tr.count("startScan") != 0 {
		t.Fatalf("calls = %q", tr.calls)
	}
}

func TestMachineStaleTimeoutIgnored(t *testing.T) {
	m, tr, _ := newTestMachine(t)
	driveTo(t, m, "P1", StateConnecting)
	old := m.Epoch()
	m.Handle(Connected{Peer: "P1"})
	tr.reset()

	m.Handle(Timeout{Peer: "P1", State: StateConnecting, Epoch: old})
	m.Handle(Timeout{Peer: "P1", State: StateConnecting, Epoch: m.Epoch()})
	expectState(t, m, StateDiscoveringServices)
	if len(tr.calls) != 0 || m.LastError() != nil {
		t.Fatalf("stale timeout acted: calls=%q err=%v", tr.calls, m.LastError())
	}
}

func TestMachineDiscoveryTimeouts(t *testing.T) {
	for _, s := range []State{StateDiscoveringServices, StateDiscoveringCharacteristics, StateSubscribing} {
		t.Run(s.String(), func(t *testing.T) {
			m, tr, _ := newTestMachine(t)
			driveTo(t, m, "P1", s)
			tr.reset()

			m.Handle(Timeout{Peer: "P1", State: s, Epoch: m.Epoch()})
			expectState(t, m, StateDisconnecting)
			if tr.last() != "disconnect P1" {
				t.Fatalf("calls = %q", tr.calls)
			}
			if !errors.Is(m.LastError(), ErrTimeout) {
				t.Fatalf("LastError = %v", m.LastError())
			}
		})
	}
}

func TestMachineDisconnectTimeout(t *testing.T) {
	m, tr, _ := newTestMachine(t)
	driveTo(t, m, "P1", StateReceiving)
	m.Handle(ValueUpdated{Peer: "P1", Characteristic: transferRef, Value: []byte("EOM")})
	expectState(t, m, StateDisconnecting)
	tr.reset()

	m.Handle(Timeout{Peer: "P1", State: StateDisconnecting, Epoch: m.Epoch()})
	expectState(t, m, StateScanning)
	if _, ok := m.Peer(); ok {
		t.Fatal("peer kept")
	}
	if tr.last() != "startScan 1 false" {
		t.Fatalf("calls = %q", tr.calls)
	}
}

func TestMachineRefusedCommands(t *testing.T) {
	refused := errors.New("radio busy")

	t.Run("startScan", func(t *testing.T) {
		m, tr, _ := newTestMachine(t)
		tr.fail["startScan"] = refused
		m.Handle(PowerStateChanged{PoweredOn: true})
		expectState(t, m, StateScanning)
		if !errors.Is(m.LastError(), ErrCommand) || !errors.Is(m.LastError(), refused) {
			t.Fatalf("LastError = %v", m.LastError())
		}
	})

	t.Run("connect", func(t *testing.T) {
		m, tr, _ := newTestMachine(t)
		tr.fail["connect"] = refused
		driveTo(t, m, "P1", StateScanning)
		m.Handle(AdvertisementSeen{Peer: "P1", RSSI: -25})
		expectState(t, m, StateScanning)
		if !errors.Is(m.LastError(), ErrConnectFailed) {
			t.Fatalf("LastError = %v", m.LastError())
		}
		if _, ok := m.Peer(); ok {
			t.Fatal("peer kept after refused connect")
		}
	})

	t.Run("stopScan", func(t *testing.T) {
		m, tr, _ := newTestMachine(t)
		tr.fail["stopScan"] = refused
		driveTo(t, m, "P1", StateDiscoveringServices)
		if !errors.Is(m.LastError(), ErrCommand) {
			t.Fatalf("LastError = %v", m.LastError())
		}
	})

	t.Run("discoverServices", func(t *testing.T) {
		m, tr, _ := newTestMachine(t)
		tr.fail["discoverServices"] = refused
		driveTo(t, m, "P1", StateConnecting)
		m.Handle(Connected{Peer: "P1"})
		expectState(t, m, StateDisconnecting)
		if !errors.Is(m.LastError(), ErrDiscoveryFailed) {
			t.Fatalf("LastError = %v", m.LastError())
		}
	})

	t.Run("setNotify", func(t *testing.T) {
		m, tr, _ := newTestMachine(t)
		tr.fail["setNotify"] = refused
		driveTo(t, m, "P1", StateDiscoveringCharacteristics)
		m.Handle(CharacteristicsDiscovered{Peer: "P1", Service: TransferServiceUUID, Characteristics: []CharacteristicRef{transferRef}})
		expectState(t, m, StateDisconnecting)
		if !errors.Is(m.LastError(), ErrSubscriptionRejected) {
			t.Fatalf("LastError = %v", m.LastError())
		}
	})

	t.Run("disconnect", func(t *testing.T) {
		m, tr, _ := newTestMachine(t)
		tr.fail["disconnect"] = refused
		driveTo(t, m, "P1", StateReceiving)
		m.Handle(ValueUpdated{Peer: "P1", Characteristic: transferRef, Value: []byte("EOM")})
		expectState(t, m, StateScanning)
		if !errors.Is(m.LastError(), ErrCommand) {
			t.Fatalf("LastError = %v", m.LastError())
		}
		if tr.last() != "startScan 1 false" {
			t.Fatalf("calls = %q", tr.calls)
		}
	})
}

func TestNewMachineValidates(t *testing.T) {
	bad := DefaultConfig()
	bad.Sentinel = ""
	if _, err := NewMachine(bad, newFakeTransport(), &fakeSink{}); err == nil {
		t.Error("empty sentinel accepted")
	}
	bad = DefaultConfig()
	bad.Gate = Gate{Low: -15, High: -35}
	if _, err := NewMachine(bad, newFakeTransport(), &fakeSink{}); err == nil {
		t.Error("inverted gate accepted")
	}
	if _, err := NewMachine(DefaultConfig(), nil, &fakeSink{}); err == nil {
		t.Error("nil transport accepted")
	}
	if _, err := NewMachine(DefaultConfig(), newFakeTransport(), nil); err == nil {
		t.Error("nil sink accepted")
	}
}
