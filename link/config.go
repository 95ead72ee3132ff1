package link

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Transfer service contract shared with the peripheral.
var (
	TransferServiceUUID        = uuid.MustParse("E20A39F4-73F5-4BC4-A12F-17D1AD07A961")
	TransferCharacteristicUUID = uuid.MustParse("08590F7E-DB05-467E-8757-72F6FAEB13D4")
)

// Sentinel marks the end of a message in the notification stream.
const Sentinel = "EOM"

// Default RSSI window: farther than -15 dBm (not touching) and nearer than -35 dBm.
const (
	DefaultRSSIMin = -35
	DefaultRSSIMax = -15
)

type Config struct {
	Service        uuid.UUID
	Characteristic uuid.UUID
	Sentinel       string
	Gate           Gate

	// MaxMessageSize bounds the pending message; 0 means unbounded.
	MaxMessageSize int

	// Zero disables the corresponding timeout.
	ConnectTimeout    time.Duration
	DiscoveryTimeout  time.Duration
	DisconnectTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Service:           TransferServiceUUID,
		Characteristic:    TransferCharacteristicUUID,
		Sentinel:          Sentinel,
		Gate:              Gate{Low: DefaultRSSIMin, High: DefaultRSSIMax},
		ConnectTimeout:    10 * time.Second,
		DiscoveryTimeout:  10 * time.Second,
		DisconnectTimeout: 5 * time.Second,
	}
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	if c.Service == uuid.Nil {
		return fmt.Errorf("link: service UUID must be set")
	}
	if c.Characteristic == uuid.Nil {
		return fmt.Errorf("link: characteristic UUID must be set")
	}
	if c.Sentinel == "" {
		return fmt.Errorf("link: sentinel must not be empty")
	}
	if c.Gate.Low >= c.Gate.High {
		return fmt.Errorf("link: RSSI window (%d, %d) is empty", c.Gate.Low, c.Gate.High)
	}
	if c.MaxMessageSize < 0 {
		return fmt.Errorf("link: negative max message size %d", c.MaxMessageSize)
	}
	if c.ConnectTimeout < 0 || c.DiscoveryTimeout < 0 || c.DisconnectTimeout < 0 {
		return fmt.Errorf("link: timeouts must not be negative")
	}
	return nil
}
