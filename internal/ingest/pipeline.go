package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/zenbooster/zbservice/internal/observability"
	"github.com/zenbooster/zbservice/internal/store"
)

// DefaultDeviceName is the display name given to newly registered devices.
const DefaultDeviceName = "zenbooster"

// MQTTMessage is the slice of an MQTT delivery the pipeline needs.
type MQTTMessage interface {
	Topic() string
	Payload() []byte
}

// Pipeline routes one inbound message at a time through decode, dispatch
// and persistence. Handlers re-resolve device and session state from
// storage on every message.
type Pipeline struct {
	Repo     *store.Repo
	Tracker  *SessionTracker
	Config   *ConfigSnapshots
	Presence *store.PresenceCache // optional
	Prefix   string
	Now      func() time.Time
}

func New(repo *store.Repo, presence *store.PresenceCache, prefix string) *Pipeline {
	return &Pipeline{
		Repo:     repo,
		Tracker:  &SessionTracker{Repo: repo},
		Config:   &ConfigSnapshots{Repo: repo},
		Presence: presence,
		Prefix:   prefix,
	}
}

// HandleMessage is the single-message boundary: every failure is
// classified, counted, logged with enough context to reconstruct what was
// dropped, and swallowed. The next message is always processed.
func (p *Pipeline) HandleMessage(ctx context.Context, msg MQTTMessage) {
	topic := msg.Topic()
	ev, err := p.Process(ctx, topic, msg.Payload())
	event := string(ev)
	if event == "" {
		event = "unparsed"
	}
	switch {
	case err == nil && ev != "" && !KnownEvent(ev):
		observability.MessagesTotal.WithLabelValues(event, "ignored").Inc()
		slog.Info("ignoring unknown event", "topic", topic, "event", event)
	case err == nil:
		observability.MessagesTotal.WithLabelValues(event, "ok").Inc()
	case errors.Is(err, ErrDecode):
		observability.MessagesTotal.WithLabelValues(event, "dropped_decode").Inc()
		slog.Warn("message dropped", "topic", topic, "event", event, "error", err)
	case errors.Is(err, ErrStatePrecondition):
		observability.MessagesTotal.WithLabelValues(event, "dropped_state").Inc()
		slog.Warn("message dropped", "topic", topic, "event", event, "error", err)
	default:
		observability.MessagesTotal.WithLabelValues(event, "dropped_storage").Inc()
		slog.Error("message dropped", "topic", topic, "event", event, "error", err)
	}
}

// Process decodes and applies one message. It returns the parsed event kind
// (empty when the topic itself was malformed) and the classified failure,
// if any.
func (p *Pipeline) Process(ctx context.Context, topic string, payload []byte) (Event, error) {
	mac, ev, err := ParseTopic(p.Prefix, topic)
	if err != nil {
		return "", fmt.Errorf("%w: topic %q: %v", ErrDecode, topic, err)
	}

	switch ev {
	case EventHello:
		pld, err := DecodeHello(payload)
		if err != nil {
			return ev, fmt.Errorf("%w: hello payload: %v", ErrDecode, err)
		}
		return ev, p.onHello(ctx, mac, pld)

	case EventSessionBegin:
		when, err := DecodeWhen(payload)
		if err != nil {
			return ev, fmt.Errorf("%w: session_begin payload: %v", ErrDecode, err)
		}
		return ev, p.onSessionBegin(ctx, mac, when)

	case EventEegPower:
		pld, err := DecodeEegPower(payload)
		if err != nil {
			return ev, fmt.Errorf("%w: eeg_power payload: %v", ErrDecode, err)
		}
		return ev, p.onEegPower(ctx, mac, pld)

	case EventSessionEnd:
		when, err := DecodeWhen(payload)
		if err != nil {
			return ev, fmt.Errorf("%w: session_end payload: %v", ErrDecode, err)
		}
		return ev, p.onSessionEnd(ctx, mac, when)

	case EventSessionCancel:
		if _, err := DecodeWhen(payload); err != nil {
			return ev, fmt.Errorf("%w: session_cancel payload: %v", ErrDecode, err)
		}
		return ev, p.onSessionCancel(ctx, mac)

	case EventBye:
		if _, err := DecodeWhen(payload); err != nil {
			return ev, fmt.Errorf("%w: bye payload: %v", ErrDecode, err)
		}
		return ev, p.onBye(ctx, mac)

	default:
		// Outside the closed event set: the caller logs and moves on.
		return ev, nil
	}
}

// onHello registers the device if it is new (idempotent by address), then
// snapshots the reported option and formula tables.
func (p *Pipeline) onHello(ctx context.Context, mac string, pld *HelloPayload) error {
	dev, err := p.Tracker.FindDevice(ctx, mac)
	if err != nil {
		return fmt.Errorf("%w: find device %s: %v", ErrStorage, mac, err)
	}
	if dev == nil {
		dev = &store.Device{MAC: mac, Name: DefaultDeviceName}
		if err := p.Repo.CreateDevice(ctx, dev); err != nil {
			return fmt.Errorf("%w: register device %s: %v", ErrStorage, mac, err)
		}
		slog.Info("device registered", "mac", mac, "device_id", dev.ID)
	}
	if err := p.Repo.UpdateDeviceHello(ctx, dev.ID, []byte(pld.Raw)); err != nil {
		return fmt.Errorf("%w: store hello snapshot for %s: %v", ErrStorage, mac, err)
	}
	if err := p.Config.Apply(ctx, dev.ID, store.NamespaceOption, pld.Options); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if err := p.Config.Apply(ctx, dev.ID, store.NamespaceFormula, pld.Formulas); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	p.markPresence(ctx, mac, true)
	return nil
}

func (p *Pipeline) onSessionBegin(ctx context.Context, mac string, when time.Time) error {
	dev, err := p.Tracker.FindDevice(ctx, mac)
	if err != nil {
		return fmt.Errorf("%w: find device %s: %v", ErrStorage, mac, err)
	}
	if dev == nil {
		return fmt.Errorf("%w: session_begin for unregistered device %s", ErrStatePrecondition, mac)
	}
	open, err := p.Tracker.FindOpenSession(ctx, dev.ID)
	if err != nil {
		return fmt.Errorf("%w: find open session for %s: %v", ErrStorage, mac, err)
	}
	if open != nil {
		slog.Warn("session_begin while a session is still open", "mac", mac, "open_session_id", open.ID)
	}
	sess := &store.Session{DeviceID: dev.ID, BeginAt: when}
	if err := p.Repo.CreateSession(ctx, sess); err != nil {
		return fmt.Errorf("%w: open session for %s: %v", ErrStorage, mac, err)
	}
	slog.Info("session opened", "mac", mac, "session_id", sess.ID, "begin", when)
	return nil
}

func (p *Pipeline) onEegPower(ctx context.Context, mac string, pld *EegPowerPayload) error {
	sess, err := p.requireOpenSession(ctx, mac)
	if err != nil {
		return err
	}
	sample := &store.EegSample{
		SessionID:  sess.ID,
		TS:         pld.When,
		Poor:       pld.Poor,
		Delta:      pld.Delta,
		Theta:      pld.Theta,
		AlphaLow:   pld.AlphaLow,
		AlphaHigh:  pld.AlphaHigh,
		BetaLow:    pld.BetaLow,
		BetaHigh:   pld.BetaHigh,
		GammaLow:   pld.GammaLow,
		GammaMid:   pld.GammaMid,
		Attention:  pld.Attention,
		Meditation: pld.Meditation,
		Formula:    pld.Formula,
	}
	if err := p.Repo.CreateSample(ctx, sample); err != nil {
		return fmt.Errorf("%w: store sample for %s: %v", ErrStorage, mac, err)
	}
	observability.SamplesStored.Inc()
	return nil
}

func (p *Pipeline) onSessionEnd(ctx context.Context, mac string, when time.Time) error {
	sess, err := p.requireOpenSession(ctx, mac)
	if err != nil {
		return err
	}
	if err := p.Repo.CloseSession(ctx, sess.ID, when); err != nil {
		if errors.Is(err, store.ErrNoRows) {
			return fmt.Errorf("%w: session %s already closed", ErrStatePrecondition, sess.ID)
		}
		return fmt.Errorf("%w: close session %s: %v", ErrStorage, sess.ID, err)
	}
	slog.Info("session closed", "mac", mac, "session_id", sess.ID, "end", when)
	return nil
}

func (p *Pipeline) onSessionCancel(ctx context.Context, mac string) error {
	sess, err := p.requireOpenSession(ctx, mac)
	if err != nil {
		return err
	}
	removed, err := p.Repo.CancelSession(ctx, sess.ID)
	if err != nil {
		if errors.Is(err, store.ErrNoRows) {
			return fmt.Errorf("%w: session %s already gone", ErrStatePrecondition, sess.ID)
		}
		return fmt.Errorf("%w: cancel session %s: %v", ErrStorage, sess.ID, err)
	}
	slog.Info("session cancelled", "mac", mac, "session_id", sess.ID, "samples_removed", removed)
	return nil
}

func (p *Pipeline) onBye(ctx context.Context, mac string) error {
	p.markPresence(ctx, mac, false)
	slog.Debug("device said bye", "mac", mac)
	return nil
}

// requireOpenSession resolves the device and its open session, mapping
// absences to ErrStatePrecondition.
func (p *Pipeline) requireOpenSession(ctx context.Context, mac string) (*store.Session, error) {
	dev, err := p.Tracker.FindDevice(ctx, mac)
	if err != nil {
		return nil, fmt.Errorf("%w: find device %s: %v", ErrStorage, mac, err)
	}
	if dev == nil {
		return nil, fmt.Errorf("%w: unregistered device %s", ErrStatePrecondition, mac)
	}
	sess, err := p.Tracker.FindOpenSession(ctx, dev.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: find open session for %s: %v", ErrStorage, mac, err)
	}
	if sess == nil {
		return nil, fmt.Errorf("%w: no open session for device %s", ErrStatePrecondition, mac)
	}
	return sess, nil
}

// markPresence updates the advisory presence cache; failures are logged
// and never fail the message.
func (p *Pipeline) markPresence(ctx context.Context, mac string, online bool) {
	if p.Presence == nil {
		return
	}
	var err error
	if online {
		err = p.Presence.MarkOnline(ctx, mac)
	} else {
		err = p.Presence.MarkOffline(ctx, mac)
	}
	if err != nil {
		slog.Warn("presence update failed", "mac", mac, "online", online, "error", err)
	}
}
