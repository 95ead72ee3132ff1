package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/user/btraced/util"
)

const advertisingFile = "advertising.json"

// AdvertisingData is what a device broadcasts. Scanners read it from
// {dataDir}/{id}/advertising.json, which stands in for the air.
type AdvertisingData struct {
	DeviceName    string   `json:"device_name"`
	ServiceUUIDs  []string `json:"service_uuids"`
	TxPowerLevel  *int     `json:"tx_power_level,omitempty"`
	IsConnectable bool     `json:"is_connectable"`
	// Base RSSI a scanner should observe, 0 for the scanner's default
	SimulatedRSSI int `json:"simulated_rssi,omitempty"`
}

// Advertisement is one sighting during a scan
type Advertisement struct {
	DeviceID string
	Data     *AdvertisingData
	RSSI     int
}

// WriteAdvertisingData publishes our advertising record
func (w *Wire) WriteAdvertisingData(data *AdvertisingData) error {
	deviceDir := util.GetDeviceDir(w.id)
	if err := os.MkdirAll(deviceDir, 0755); err != nil {
		return fmt.Errorf("failed to create device directory: %w", err)
	}

	jsonData, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal advertising data: %w", err)
	}
	// write-then-rename so scanners never see a partial record
	tmp := filepath.Join(deviceDir, advertisingFile+".tmp")
	if err := os.WriteFile(tmp, jsonData, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", advertisingFile, err)
	}
	return os.Rename(tmp, filepath.Join(deviceDir, advertisingFile))
}

// RemoveAdvertisingData stops advertising
func (w *Wire) RemoveAdvertisingData() error {
	err := os.Remove(filepath.Join(util.GetDeviceDir(w.id), advertisingFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// ReadAdvertisingData reads a device's advertising record. A device with a
// socket but no record is reported as connectable with a generated name.
func (w *Wire) ReadAdvertisingData(deviceID string) (*AdvertisingData, error) {
	data, err := os.ReadFile(filepath.Join(util.GetDeviceDir(deviceID), advertisingFile))
	if errors.Is(err, os.ErrNotExist) {
		return &AdvertisingData{
			DeviceName:    "Device-" + util.ShortHash(deviceID),
			ServiceUUIDs:  []string{},
			IsConnectable: true,
		}, nil
	}
	if err != nil {
		return nil, err
	}

	var adv AdvertisingData
	if err := json.Unmarshal(data, &adv); err != nil {
		return nil, fmt.Errorf("failed to parse %s for %s: %w", advertisingFile, util.ShortHash(deviceID), err)
	}
	return &adv, nil
}

// ListAvailableDevices returns the ids of every other device with a socket, sorted
func (w *Wire) ListAvailableDevices() []string {
	matches, err := filepath.Glob(filepath.Join(w.socketDir, socketPrefix+"*.sock"))
	if err != nil {
		return nil
	}

	devices := make([]string, 0, len(matches))
	for _, path := range matches {
		id := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(path), socketPrefix), ".sock")
		if id != "" && id != w.id {
			devices = append(devices, id)
		}
	}
	sort.Strings(devices)
	return devices
}

// StartDiscovery sweeps for advertisements every AdvertisingInterval until
// the returned stop function is called. The first sweep runs immediately.
// Records that fail to parse are skipped.
func (w *Wire) StartDiscovery(callback func(Advertisement)) (stop func()) {
	interval := w.sim.Config().AdvertisingInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	stopChan := make(chan struct{})
	done := make(chan struct{})

	sweep := func() {
		for _, id := range w.ListAvailableDevices() {
			adv, err := w.ReadAdvertisingData(id)
			if err != nil {
				continue
			}
			callback(Advertisement{DeviceID: id, Data: adv, RSSI: w.sim.RSSI(adv.SimulatedRSSI)})
		}
	}

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		sweep()
		for {
			select {
			case <-stopChan:
				return
			case <-ticker.C:
				sweep()
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stopChan)
			<-done
		})
	}
}
