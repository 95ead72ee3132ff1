package central

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/user/btraced/link"
	"github.com/user/btraced/logger"
	"github.com/user/btraced/util"
	"github.com/user/btraced/wire"
	"github.com/user/btraced/wire/att"
	"github.com/user/btraced/wire/gatt"
)

var (
	batteryService = gatt.UUID16(0x180F)
	batteryLevel   = gatt.UUID16(0x2A19)
	heartRate      = gatt.UUID16(0x180D)
)

func TestMain(m *testing.M) {
	tempDir, err := os.MkdirTemp("/tmp", "btrc-*")
	if err != nil {
		panic(err)
	}
	os.Setenv(util.DataDirEnv, tempDir)
	logger.SetLevel(logger.ERROR)

	code := m.Run()

	os.RemoveAll(tempDir)
	os.Exit(code)
}

// testPeripheral is a bare GATT server on the simulated radio.
// Handles: 1 battery svc, 2 decl, 3 level, 4 transfer svc, 5 decl, 6 value, 7 CCCD
type testPeripheral struct {
	w       *wire.Wire
	handles gatt.CharacteristicHandles
}

func startTestPeripheral(t *testing.T, id string, services []string, answer bool) *testPeripheral {
	t.Helper()
	w, err := wire.NewWire(id, wire.PerfectSimulationConfig())
	if err != nil {
		t.Fatal(err)
	}

	db := gatt.NewDatabase()
	db.AddService(batteryService)
	if _, err := db.AddCharacteristic(batteryLevel, gatt.PropRead, []byte{90}); err != nil {
		t.Fatal(err)
	}
	db.AddService(link.TransferServiceUUID)
	hs, err := db.AddCharacteristic(link.TransferCharacteristicUUID, gatt.PropNotify, nil)
	if err != nil {
		t.Fatal(err)
	}

	srv := gatt.NewServer(db)
	if answer {
		w.SetPacketHandler(func(peer string, pkt interface{}) {
			if !att.IsRequest(att.OpcodeOf(pkt)) {
				return
			}
			resp, _ := srv.HandleRequest(pkt)
			w.Send(peer, resp)
		})
	}
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(w.Stop)
	if err := w.WriteAdvertisingData(&wire.AdvertisingData{DeviceName: id, ServiceUUIDs: services, IsConnectable: true}); err != nil {
		t.Fatal(err)
	}
	return &testPeripheral{w: w, handles: hs}
}

func startManager(t *testing.T, id string) *Manager {
	t.Helper()
	m, err := NewManager(id, wire.PerfectSimulationConfig())
	if err != nil {
		t.Fatal(err)
	}
	m.SetRequestTimeout(300 * time.Millisecond)
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(m.Close)
	if _, ok := nextEvent(t, m).(link.PowerStateChanged); !ok {
		t.Fatal("first event is not PowerStateChanged")
	}
	return m
}

func nextEvent(t *testing.T, m *Manager) link.Event {
	t.Helper()
	select {
	case ev, ok := <-m.Events():
		if !ok {
			t.Fatal("events closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an event")
	}
	return nil
}

// collect gathers every event that arrives within d
func collect(m *Manager, d time.Duration) []link.Event {
	var evs []link.Event
	deadline := time.After(d)
	for {
		select {
		case ev, ok := <-m.Events():
			if !ok {
				return evs
			}
			evs = append(evs, ev)
		case <-deadline:
			return evs
		}
	}
}

func countAds(evs []link.Event, peer link.PeerID) int {
	n := 0
	for _, ev := range evs {
		if a, ok := ev.(link.AdvertisementSeen); ok && a.Peer == peer {
			n++
		}
	}
	return n
}

func connect(t *testing.T, m *Manager, peer link.PeerID) {
	t.Helper()
	if err := m.Connect(peer); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if ev, ok := nextEvent(t, m).(link.Connected); !ok || ev.Peer != peer {
		t.Fatalf("expected Connected to %s, got %#v", peer, ev)
	}
}

func TestScanFilterAndDuplicates(t *testing.T) {
	startTestPeripheral(t, "scan-t", []string{link.TransferServiceUUID.String()}, true)
	startTestPeripheral(t, "scan-h", []string{heartRate.String()}, true)
	m := startManager(t, "scan-c")

	if err := m.StartScan([]uuid.UUID{link.TransferServiceUUID}, false); err != nil {
		t.Fatal(err)
	}
	evs := collect(m, 200*time.Millisecond)
	if n := countAds(evs, "scan-t"); n != 1 {
		t.Fatalf("transfer peripheral reported %d times, want 1", n)
	}
	if n := countAds(evs, "scan-h"); n != 0 {
		t.Fatalf("filtered peripheral reported %d times", n)
	}
	for _, ev := range evs {
		if a, ok := ev.(link.AdvertisementSeen); ok {
			if a.RSSI != -25 || a.Name != "scan-t" || a.Metadata[AdvLocalName] != "scan-t" || a.Metadata[AdvIsConnectable] != true {
				t.Errorf("advertisement %+v", a)
			}
		}
	}

	if err := m.StartScan(nil, true); err != nil {
		t.Fatal(err)
	}
	evs = collect(m, 200*time.Millisecond)
	if n := countAds(evs, "scan-t"); n < 2 {
		t.Errorf("duplicates allowed but transfer peripheral reported %d times", n)
	}
	if n := countAds(evs, "scan-h"); n < 1 {
		t.Error("unfiltered scan missed heart rate peripheral")
	}

	if err := m.StopScan(); err != nil {
		t.Fatal(err)
	}
	collect(m, 50*time.Millisecond)
	if evs := collect(m, 100*time.Millisecond); len(evs) != 0 {
		t.Errorf("%d events after StopScan", len(evs))
	}
}

func TestDiscoverSubscribeReceive(t *testing.T) {
	p := startTestPeripheral(t, "gatt-p", nil, true)
	m := startManager(t, "gatt-c")
	connect(t, m, "gatt-p")

	if err := m.DiscoverServices("gatt-p", []uuid.UUID{link.TransferServiceUUID}); err != nil {
		t.Fatal(err)
	}
	sd, ok := nextEvent(t, m).(link.ServicesDiscovered)
	if !ok || sd.Err != nil || len(sd.Services) != 1 || sd.Services[0] != link.TransferServiceUUID {
		t.Fatalf("services %#v", sd)
	}

	if err := m.DiscoverCharacteristics("gatt-p", link.TransferServiceUUID, []uuid.UUID{link.TransferCharacteristicUUID}); err != nil {
		t.Fatal(err)
	}
	cd, ok := nextEvent(t, m).(link.CharacteristicsDiscovered)
	if !ok || cd.Err != nil || len(cd.Characteristics) != 1 {
		t.Fatalf("characteristics %#v", cd)
	}
	ref := cd.Characteristics[0]
	if ref.Handle != p.handles.Value || ref.UUID != link.TransferCharacteristicUUID || ref.Service != link.TransferServiceUUID {
		t.Fatalf("ref %+v", ref)
	}

	if err := m.SetNotify("gatt-p", ref, true); err != nil {
		t.Fatal(err)
	}
	ns, ok := nextEvent(t, m).(link.NotifyStateChanged)
	if !ok || ns.Err != nil || !ns.Notifying || ns.Characteristic != ref {
		t.Fatalf("notify state %#v", ns)
	}

	// handle 3 is not subscribed
	p.w.Send("gatt-c", &att.HandleValueNotification{Handle: 3, Value: []byte{1}})
	p.w.Send("gatt-c", &att.HandleValueNotification{Handle: p.handles.Value, Value: []byte("Hello")})
	vu, ok := nextEvent(t, m).(link.ValueUpdated)
	if !ok || vu.Characteristic != ref || string(vu.Value) != "Hello" {
		t.Fatalf("value %#v", vu)
	}

	if err := m.SetNotify("gatt-p", ref, false); err != nil {
		t.Fatal(err)
	}
	ns, ok = nextEvent(t, m).(link.NotifyStateChanged)
	if !ok || ns.Err != nil || ns.Notifying {
		t.Fatalf("notify state after disable %#v", ns)
	}
	p.w.Send("gatt-c", &att.HandleValueNotification{Handle: p.handles.Value, Value: []byte("late")})

	if err := m.Disconnect("gatt-p"); err != nil {
		t.Fatal(err)
	}
	d, ok := nextEvent(t, m).(link.Disconnected)
	if !ok || d.Peer != "gatt-p" || d.Err != nil {
		t.Fatalf("expected clean Disconnected, got %#v", d)
	}
}

func TestSubscribeUnsupportedCharacteristic(t *testing.T) {
	startTestPeripheral(t, "bat-p", nil, true)
	m := startManager(t, "bat-c")
	connect(t, m, "bat-p")

	m.DiscoverServices("bat-p", nil)
	sd := nextEvent(t, m).(link.ServicesDiscovered)
	if len(sd.Services) != 2 {
		t.Fatalf("unfiltered services %v", sd.Services)
	}
	m.DiscoverCharacteristics("bat-p", batteryService, nil)
	cd := nextEvent(t, m).(link.CharacteristicsDiscovered)
	if len(cd.Characteristics) != 1 || cd.Characteristics[0].UUID != batteryLevel {
		t.Fatalf("battery characteristics %v", cd.Characteristics)
	}

	if err := m.SetNotify("bat-p", cd.Characteristics[0], true); err != nil {
		t.Fatal(err)
	}
	ns := nextEvent(t, m).(link.NotifyStateChanged)
	if ns.Err == nil || ns.Notifying {
		t.Fatalf("notify on read-only characteristic %#v", ns)
	}
}

func TestCommandsNeedState(t *testing.T) {
	startTestPeripheral(t, "cmd-p", nil, true)
	m := startManager(t, "cmd-c")

	if err := m.DiscoverServices("cmd-p", nil); !errors.Is(err, wire.ErrNotConnected) {
		t.Errorf("discover before connect = %v", err)
	}
	if err := m.Disconnect("cmd-p"); !errors.Is(err, wire.ErrNotConnected) {
		t.Errorf("disconnect before connect = %v", err)
	}

	connect(t, m, "cmd-p")
	if err := m.Connect("cmd-p"); !errors.Is(err, wire.ErrAlreadyConnected) {
		t.Errorf("second connect = %v", err)
	}
	if err := m.DiscoverCharacteristics("cmd-p", link.TransferServiceUUID, nil); err == nil {
		t.Error("characteristics of undiscovered service accepted")
	}
	ref := link.CharacteristicRef{Service: link.TransferServiceUUID, UUID: link.TransferCharacteristicUUID, Handle: 6}
	if err := m.SetNotify("cmd-p", ref, true); err == nil {
		t.Error("notify on undiscovered characteristic accepted")
	}
}

func TestConnectFailed(t *testing.T) {
	m := startManager(t, "fail-c")
	if err := m.Connect("nobody-home"); err != nil {
		t.Fatal(err)
	}
	cf, ok := nextEvent(t, m).(link.ConnectFailed)
	if !ok || cf.Peer != "nobody-home" || cf.Err == nil {
		t.Fatalf("expected ConnectFailed, got %#v", cf)
	}
}

func TestRequestTimeout(t *testing.T) {
	startTestPeripheral(t, "mute-p", nil, false)
	m := startManager(t, "mute-c")
	connect(t, m, "mute-p")

	m.DiscoverServices("mute-p", nil)
	sd, ok := nextEvent(t, m).(link.ServicesDiscovered)
	if !ok || !errors.Is(sd.Err, att.ErrRequestTimeout) {
		t.Fatalf("expected timeout, got %#v", sd)
	}
}

func TestRemoteDisconnect(t *testing.T) {
	p := startTestPeripheral(t, "drop-p", nil, true)
	m := startManager(t, "drop-c")
	connect(t, m, "drop-p")
	for deadline := time.Now().Add(2 * time.Second); !p.w.IsConnected("drop-c"); {
		if time.Now().After(deadline) {
			t.Fatal("peripheral never registered the central")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := p.w.Disconnect("drop-c"); err != nil {
		t.Fatal(err)
	}
	d, ok := nextEvent(t, m).(link.Disconnected)
	if !ok || d.Err == nil {
		t.Fatalf("expected Disconnected with error, got %#v", d)
	}
}

func TestCloseEndsEvents(t *testing.T) {
	m, err := NewManager("close-c", wire.PerfectSimulationConfig())
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	m.Close()
	m.Close()

	for range m.Events() {
	}
	if err := m.StartScan(nil, false); !errors.Is(err, ErrClosed) {
		t.Errorf("StartScan after Close = %v", err)
	}
	if err := m.Connect("x"); !errors.Is(err, ErrClosed) {
		t.Errorf("Connect after Close = %v", err)
	}
}
