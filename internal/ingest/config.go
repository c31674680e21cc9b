package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/zenbooster/zbservice/internal/store"
)

// ConfigSnapshots appends config history rows only on value transitions,
// so storage grows per change, not per message. Namespaces are created
// lazily on first use.
type ConfigSnapshots struct {
	Repo *store.Repo
	Now  func() time.Time
}

func (c *ConfigSnapshots) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now().UTC()
}

// Apply writes one snapshot row per key whose value differs from the most
// recent stored one. An empty map is a no-op.
func (c *ConfigSnapshots) Apply(ctx context.Context, deviceID uuid.UUID, namespace string, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	ns, err := c.Repo.EnsureNamespace(ctx, namespace)
	if err != nil {
		return fmt.Errorf("ensure namespace %q: %w", namespace, err)
	}
	for k, v := range values {
		if err := c.upsertIfChanged(ctx, deviceID, ns, k, v); err != nil {
			return err
		}
	}
	return nil
}

func (c *ConfigSnapshots) upsertIfChanged(ctx context.Context, deviceID uuid.UUID, ns *store.ConfigNamespace, key, value string) error {
	last, err := c.Repo.LatestConfig(ctx, deviceID, ns.ID, key)
	if err != nil {
		return fmt.Errorf("latest config %s/%s: %w", ns.Name, key, err)
	}
	if last != nil && last.Value == value {
		return nil
	}
	entry := &store.ConfigEntry{
		DeviceID:    deviceID,
		NamespaceID: ns.ID,
		TS:          c.now(),
		Key:         key,
		Value:       value,
	}
	if err := c.Repo.CreateConfigEntry(ctx, entry); err != nil {
		return fmt.Errorf("append config %s/%s: %w", ns.Name, key, err)
	}
	return nil
}
