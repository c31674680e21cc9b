package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Repo owns typed access to the five persistent entities. Lookup and write
// primitives only; lifecycle decisions live in the ingest handlers.
type Repo struct {
	db *gorm.DB
}

func OpenPostgres(user, password, dbName, host, port, sslMode string) (*gorm.DB, error) {
	if sslMode == "" {
		sslMode = "disable"
	}
	gormLogger := logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			SlowThreshold:             2 * time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC", host, user, password, dbName, port, sslMode)
	return gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLogger})
}

// New migrates the schema and ensures the two default config namespaces
// exist. Runs once before the pipeline starts consuming.
func New(db *gorm.DB) (*Repo, error) {
	if err := db.AutoMigrate(&Device{}, &Session{}, &EegSample{}, &ConfigNamespace{}, &ConfigEntry{}); err != nil {
		return nil, err
	}
	r := &Repo{db: db}
	for _, name := range []string{NamespaceOption, NamespaceFormula} {
		if _, err := r.EnsureNamespace(context.Background(), name); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// ErrNoRows is returned by update/delete primitives that matched nothing.
var ErrNoRows = gorm.ErrRecordNotFound

func (r *Repo) FindDeviceByMAC(ctx context.Context, mac string) (*Device, error) {
	var d Device
	err := r.db.WithContext(ctx).Where("mac = ?", mac).First(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *Repo) FindDeviceByID(ctx context.Context, id uuid.UUID) (*Device, error) {
	var d Device
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *Repo) CreateDevice(ctx context.Context, d *Device) error {
	return r.db.WithContext(ctx).Create(d).Error
}

func (r *Repo) ListDevices(ctx context.Context) ([]Device, error) {
	var out []Device
	err := r.db.WithContext(ctx).Order("created_at").Find(&out).Error
	return out, err
}

// UpdateDeviceHello stores the raw payload of the device's latest hello.
func (r *Repo) UpdateDeviceHello(ctx context.Context, id uuid.UUID, raw datatypes.JSON) error {
	return r.db.WithContext(ctx).Model(&Device{}).Where("id = ?", id).Update("last_hello", raw).Error
}

// OpenSessions returns the device's sessions with a null end, most recently
// begun first. In correct operation there are zero or one.
func (r *Repo) OpenSessions(ctx context.Context, deviceID uuid.UUID, limit int) ([]Session, error) {
	var out []Session
	q := r.db.WithContext(ctx).
		Where("device_id = ? AND end_at IS NULL", deviceID).
		Order("begin_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

func (r *Repo) CreateSession(ctx context.Context, s *Session) error {
	return r.db.WithContext(ctx).Create(s).Error
}

func (r *Repo) ListSessions(ctx context.Context, deviceID uuid.UUID, limit int) ([]Session, error) {
	var out []Session
	q := r.db.WithContext(ctx).Where("device_id = ?", deviceID).Order("begin_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

// CloseSession sets the end timestamp of a still-open session. Returns
// ErrNoRows when the session does not exist or is already closed.
func (r *Repo) CloseSession(ctx context.Context, sessionID uuid.UUID, end time.Time) error {
	res := r.db.WithContext(ctx).Model(&Session{}).
		Where("id = ? AND end_at IS NULL", sessionID).
		Update("end_at", end)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNoRows
	}
	return nil
}

// CancelSession removes a session and all its samples in one transaction.
// Returns the number of samples removed, or ErrNoRows when the session row
// is gone already.
func (r *Repo) CancelSession(ctx context.Context, sessionID uuid.UUID) (int64, error) {
	var removed int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("session_id = ?", sessionID).Delete(&EegSample{})
		if res.Error != nil {
			return res.Error
		}
		removed = res.RowsAffected
		res = tx.Where("id = ?", sessionID).Delete(&Session{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNoRows
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

func (r *Repo) CreateSample(ctx context.Context, s *EegSample) error {
	return r.db.WithContext(ctx).Create(s).Error
}

func (r *Repo) CountSamples(ctx context.Context, sessionID uuid.UUID) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&EegSample{}).Where("session_id = ?", sessionID).Count(&n).Error
	return n, err
}

func (r *Repo) ListSamples(ctx context.Context, sessionID uuid.UUID, limit int, desc bool) ([]EegSample, error) {
	order := "ts"
	if desc {
		order = "ts DESC"
	}
	var out []EegSample
	q := r.db.WithContext(ctx).Where("session_id = ?", sessionID).Order(order)
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

// EnsureNamespace resolves a config namespace, creating it when missing.
// The unique index on name keeps a lost create race from producing
// duplicates.
func (r *Repo) EnsureNamespace(ctx context.Context, name string) (*ConfigNamespace, error) {
	var ns ConfigNamespace
	err := r.db.WithContext(ctx).Where(ConfigNamespace{Name: name}).FirstOrCreate(&ns).Error
	if err != nil {
		return nil, err
	}
	return &ns, nil
}

func (r *Repo) FindNamespace(ctx context.Context, name string) (*ConfigNamespace, error) {
	var ns ConfigNamespace
	err := r.db.WithContext(ctx).Where("name = ?", name).First(&ns).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ns, nil
}

// LatestConfig returns the most recent entry for (device, namespace, key)
// by timestamp descending, or nil when none exists.
func (r *Repo) LatestConfig(ctx context.Context, deviceID, namespaceID uuid.UUID, key string) (*ConfigEntry, error) {
	var e ConfigEntry
	err := r.db.WithContext(ctx).
		Where("device_id = ? AND namespace_id = ? AND name = ?", deviceID, namespaceID, key).
		Order("ts DESC").
		First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *Repo) CreateConfigEntry(ctx context.Context, e *ConfigEntry) error {
	return r.db.WithContext(ctx).Create(e).Error
}

// ListConfigEntries returns a device's config history, newest first,
// optionally filtered by namespace.
func (r *Repo) ListConfigEntries(ctx context.Context, deviceID uuid.UUID, namespaceID *uuid.UUID, limit int) ([]ConfigEntry, error) {
	q := r.db.WithContext(ctx).Where("device_id = ?", deviceID).Order("ts DESC")
	if namespaceID != nil {
		q = q.Where("namespace_id = ?", *namespaceID)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []ConfigEntry
	err := q.Find(&out).Error
	return out, err
}
