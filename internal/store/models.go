package store

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// The two config namespaces the pipeline guarantees at startup.
const (
	NamespaceOption  = "option"
	NamespaceFormula = "formula"
)

// Device is a registered headset, identified by its normalized hardware
// address (12 hex chars, separators stripped).
type Device struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	MAC         string         `gorm:"column:mac;size:12;uniqueIndex;not null" json:"mac"`
	Name        string         `gorm:"not null" json:"name"`
	Description string         `gorm:"type:text" json:"description"`
	LastHello   datatypes.JSON `gorm:"type:jsonb" json:"last_hello,omitempty"` // raw payload of the most recent hello
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

func (d *Device) BeforeCreate(tx *gorm.DB) (err error) {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	return nil
}

// Session is one recording interval. It is open while EndAt is null;
// handlers keep at most one open session per device.
type Session struct {
	ID          uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	DeviceID    uuid.UUID  `gorm:"type:uuid;index;not null" json:"device_id"`
	BeginAt     time.Time  `gorm:"index;not null" json:"begin_at"`
	EndAt       *time.Time `gorm:"index" json:"end_at,omitempty"`
	Description string     `gorm:"type:text" json:"description"`
}

func (s *Session) BeforeCreate(tx *gorm.DB) (err error) {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

// EegSample is one spectral-band power reading. Column names follow the
// device wire format. Append-only; rows go away only when their session is
// cancelled.
type EegSample struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	SessionID uuid.UUID `gorm:"type:uuid;index;not null" json:"session_id"`
	TS        time.Time `gorm:"column:ts;index;not null" json:"ts"`

	Poor int `gorm:"column:poor;not null" json:"poor"` // signal quality, 0 = clean

	Delta      float64 `gorm:"column:d;not null" json:"d"`
	Theta      float64 `gorm:"column:t;not null" json:"t"`
	AlphaLow   float64 `gorm:"column:al;not null" json:"al"`
	AlphaHigh  float64 `gorm:"column:ah;not null" json:"ah"`
	BetaLow    float64 `gorm:"column:bl;not null" json:"bl"`
	BetaHigh   float64 `gorm:"column:bh;not null" json:"bh"`
	GammaLow   float64 `gorm:"column:gl;not null" json:"gl"`
	GammaMid   float64 `gorm:"column:gm;not null" json:"gm"`
	Attention  float64 `gorm:"column:ea;not null" json:"ea"`
	Meditation float64 `gorm:"column:em;not null" json:"em"`
	Formula    float64 `gorm:"column:f;not null" json:"f"` // device-computed, stored verbatim
}

func (e *EegSample) BeforeCreate(tx *gorm.DB) (err error) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}

// ConfigNamespace partitions a device's config history ("option" or
// "formula"). Created lazily, never deleted.
type ConfigNamespace struct {
	ID   uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Name string    `gorm:"size:16;uniqueIndex;not null" json:"name"`
}

func (n *ConfigNamespace) BeforeCreate(tx *gorm.DB) (err error) {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	return nil
}

// ConfigEntry is one historical (key, value) record. A row is appended only
// when the value differs from the latest row for the same
// (device, namespace, key).
type ConfigEntry struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	DeviceID    uuid.UUID `gorm:"type:uuid;not null;index:idx_config_lookup,priority:1" json:"device_id"`
	NamespaceID uuid.UUID `gorm:"type:uuid;not null;index:idx_config_lookup,priority:2" json:"namespace_id"`
	TS          time.Time `gorm:"column:ts;not null" json:"ts"`
	Key         string    `gorm:"column:name;size:64;not null;index:idx_config_lookup,priority:3" json:"name"`
	Value       string    `gorm:"column:val;type:text" json:"val"`
}

func (c *ConfigEntry) BeforeCreate(tx *gorm.DB) (err error) {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}
