package camera

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/microlumin/factory-lens/internal/database"
	"github.com/microlumin/factory-lens/internal/device"
)

const defaultPollInterval = 30 * time.Second

// Poller checks camera liveness: every second it walks the enabled devices
// and probes those whose poll interval has elapsed. HTTP snapshot cameras
// are assumed online; RTSP cameras get a short stream-open probe.
type Poller struct {
	devices Devices
	store   Store
	pub     Publisher
	prober  Prober
	now     func() time.Time
	log     zerolog.Logger

	lastPolled map[int64]time.Time
}

func NewPoller(devices Devices, store Store, pub Publisher, prober Prober, log zerolog.Logger) *Poller {
	if prober == nil {
		prober = FFmpegFetcher{}
	}
	return &Poller{
		devices:    devices,
		store:      store,
		pub:        pub,
		prober:     prober,
		now:        time.Now,
		log:        log.With().Str("component", "camera-poller").Logger(),
		lastPolled: map[int64]time.Time{},
	}
}

func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Poller) tick(ctx context.Context) {
	now := p.now()
	for _, d := range p.devices.All() {
		if !p.due(d, now) {
			continue
		}
		cam, err := p.store.GetCameraByDeviceID(ctx, d.ID)
		if errors.Is(err, database.ErrNotFound) {
			continue
		}
		if err != nil {
			p.log.Error().Err(err).Int64("device_id", d.ID).Msg("camera lookup failed")
			continue
		}
		p.lastPolled[d.ID] = now
		p.probe(ctx, d, cam, now)
	}
}

func (p *Poller) due(d device.Device, now time.Time) bool {
	interval := defaultPollInterval
	if d.PollInterval > 0 {
		interval = device.IntervalDuration(d.PollInterval, d.PollIntervalUnit)
	}
	last, ok := p.lastPolled[d.ID]
	if !ok {
		return true
	}
	return !last.Add(interval).After(now)
}

func (p *Poller) probe(ctx context.Context, d device.Device, cam database.CameraRow, now time.Time) {
	status := "online"
	src, err := selectSource(cam)
	switch {
	case err != nil:
		status = "error"
	case src.HTTP:
		// Snapshot endpoints answer on demand; no standing stream to probe.
	default:
		if err := p.prober.Probe(ctx, src); err != nil {
			status = "offline"
		}
	}

	if err := p.store.UpdateCameraStatus(ctx, cam.ID, status, now); err != nil {
		p.log.Error().Err(err).Int64("camera_id", cam.ID).Msg("camera status update failed")
	}

	record, _ := json.Marshal(map[string]any{
		"event":     "status",
		"camera_id": cam.ID,
		"status":    status,
		"timestamp": now.UTC().Format(time.RFC3339),
	})
	if err := p.pub.Publish(d.LogTopic(), record); err != nil {
		p.log.Warn().Err(err).Str("topic", d.LogTopic()).Msg("status publish failed")
	}
}
