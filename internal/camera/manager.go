package camera

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/microlumin/factory-lens/internal/database"
	"github.com/microlumin/factory-lens/internal/device"
	"github.com/microlumin/factory-lens/internal/ingest"
	"github.com/microlumin/factory-lens/internal/metrics"
)

// Devices is the registry surface the camera subsystem needs.
type Devices interface {
	ByClientID(clientID string) (device.Device, bool)
	All() []device.Device
}

// Store is the camera persistence surface.
type Store interface {
	GetCameraByDeviceID(ctx context.Context, deviceID int64) (database.CameraRow, error)
	UpdateCameraStatus(ctx context.Context, cameraID int64, status string, heartbeat time.Time) error
}

// Publisher sends a message to the broker, best effort.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Relevant is the camera queue's relevance predicate.
func Relevant(topic string) bool {
	return strings.HasSuffix(topic, "/snapshot/exe")
}

// Manager executes snapshot commands: resolve the camera, grab one frame,
// optionally wrap it as a PDF, publish the result and an audit record.
type Manager struct {
	devices Devices
	store   Store
	pub     Publisher
	http    SnapshotFetcher
	rtsp    SnapshotFetcher
	now     func() time.Time
	log     zerolog.Logger
}

type Options struct {
	Devices   Devices
	Store     Store
	Publisher Publisher
	// HTTP and RTSP default to the real fetchers when nil.
	HTTP SnapshotFetcher
	RTSP SnapshotFetcher
	Log  zerolog.Logger
}

func NewManager(opts Options) *Manager {
	m := &Manager{
		devices: opts.Devices,
		store:   opts.Store,
		pub:     opts.Publisher,
		http:    opts.HTTP,
		rtsp:    opts.RTSP,
		now:     time.Now,
		log:     opts.Log.With().Str("component", "camera").Logger(),
	}
	if m.http == nil {
		m.http = HTTPFetcher{}
	}
	if m.rtsp == nil {
		m.rtsp = FFmpegFetcher{}
	}
	return m
}

// HandleMessage is the camera consumer's process function.
func (m *Manager) HandleMessage(ctx context.Context, msg ingest.Message) error {
	parts := strings.Split(msg.Topic, "/")
	if len(parts) < 4 {
		return fmt.Errorf("malformed snapshot topic %q", msg.Topic)
	}
	prefix, clientID := parts[0], parts[1]

	d, ok := m.devices.ByClientID(clientID)
	if !ok || d.TopicPrefix != prefix {
		return fmt.Errorf("snapshot command for unknown device %q", clientID)
	}

	ext := parseExt(msg.Payload)
	if err := m.snapshot(ctx, d, ext); err != nil {
		metrics.SnapshotsTotal.WithLabelValues("error").Inc()
		m.publishJSON(d.LogTopic(), map[string]any{
			"event":     "snapshot",
			"error":     err.Error(),
			"timestamp": m.now().UTC().Format(time.RFC3339),
		})
		return err
	}
	metrics.SnapshotsTotal.WithLabelValues("ok").Inc()
	return nil
}

func (m *Manager) snapshot(ctx context.Context, d device.Device, ext string) error {
	cam, err := m.store.GetCameraByDeviceID(ctx, d.ID)
	if err != nil {
		return fmt.Errorf("camera for device %d: %w", d.ID, err)
	}
	src, err := selectSource(cam)
	if err != nil {
		return err
	}

	fetcher := m.rtsp
	if src.HTTP {
		fetcher = m.http
	}
	frame, err := fetcher.Fetch(ctx, src)
	if err != nil {
		return fmt.Errorf("camera %d fetch: %w", cam.ID, err)
	}

	data := frame
	if ext == "pdf" {
		if data, err = WrapPDF(frame); err != nil {
			return fmt.Errorf("camera %d: %w", cam.ID, err)
		}
	}

	m.publishJSON(d.FullTopic("snapshot"), map[string]any{
		"ext":  ext,
		"file": base64.StdEncoding.EncodeToString(data),
	})
	m.publishJSON(d.LogTopic(), map[string]any{
		"event":     "snapshot",
		"camera_id": cam.ID,
		"ext":       ext,
		"timestamp": m.now().UTC().Format(time.RFC3339),
	})
	m.log.Info().Int64("camera_id", cam.ID).Str("ext", ext).Int("bytes", len(data)).Msg("snapshot published")
	return nil
}

// parseExt reads the requested format from the command payload; anything but
// "pdf" yields a plain JPEG.
func parseExt(payload []byte) string {
	var s string
	if err := json.Unmarshal(payload, &s); err != nil {
		s = strings.TrimSpace(string(payload))
	}
	if s == "pdf" {
		return "pdf"
	}
	return "jpg"
}

// selectSource picks the image source: explicit snapshot URL, then the
// default stream, then any sub stream, then any main stream.
func selectSource(cam database.CameraRow) (Source, error) {
	if cam.SnapshotURL != "" {
		return Source{URL: cam.SnapshotURL, Username: cam.Username, Password: cam.Password, HTTP: true}, nil
	}
	if cam.DefaultStreamID != nil {
		for _, s := range cam.Streams {
			if s.ID == *cam.DefaultStreamID {
				return streamSource(cam, s), nil
			}
		}
	}
	for _, kind := range []string{"sub", "main"} {
		for _, s := range cam.Streams {
			if s.StreamType == kind {
				return streamSource(cam, s), nil
			}
		}
	}
	return Source{}, fmt.Errorf("camera %d has no usable image source", cam.ID)
}

func streamSource(cam database.CameraRow, s database.CameraStreamRow) Source {
	src := Source{Username: cam.Username, Password: cam.Password}
	if s.FullURL != "" {
		src.URL = s.FullURL
		return src
	}

	prefix := s.URLPrefix
	if prefix == "" {
		prefix = "rtsp://"
	}
	cred := ""
	if cam.Username != "" {
		cred = cam.Username + ":" + cam.Password + "@"
	}
	suffix := s.StreamSuffix
	if suffix != "" && !strings.HasPrefix(suffix, "/") {
		suffix = "/" + suffix
	}
	src.URL = fmt.Sprintf("%s%s%s:%d%s", prefix, cred, cam.Address, cam.Port, suffix)
	return src
}

func (m *Manager) publishJSON(topic string, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		m.log.Error().Err(err).Str("topic", topic).Msg("payload marshal failed")
		return
	}
	if err := m.pub.Publish(topic, raw); err != nil {
		m.log.Warn().Err(err).Str("topic", topic).Msg("publish failed")
	}
}
