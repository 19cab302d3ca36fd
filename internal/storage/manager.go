package storage

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/microlumin/factory-lens/internal/device"
	"github.com/microlumin/factory-lens/internal/ingest"
	"github.com/microlumin/factory-lens/internal/metrics"
)

const heartbeatInterval = 5 * time.Second

// Devices is the registry surface the storage subsystem needs.
type Devices interface {
	ByClientID(clientID string) (device.Device, bool)
	All() []device.Device
}

// Publisher sends a message to the broker, best effort.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// BackendFactory opens a backend for one operation. The returned label is
// the metrics/backoffice name (local, ftp, sftp, s3).
type BackendFactory func(ctx context.Context, d device.Device, root string) (Backend, string, error)

// Relevant is the storage queue's relevance predicate.
func Relevant(topic string) bool {
	return strings.HasSuffix(topic, "/create") && strings.Contains(topic, "/file/")
}

// Manager decodes inbound file payloads and writes them to the backend the
// device's model selects. Every upload opens and closes its own connection.
type Manager struct {
	devices    Devices
	pub        Publisher
	root       string
	newBackend BackendFactory
	now        func() time.Time
	log        zerolog.Logger
}

type Options struct {
	Devices   Devices
	Publisher Publisher
	// Root anchors relative local base paths (STORAGE_ROOT).
	Root string
	// Factory defaults to the model-dispatching one when nil.
	Factory BackendFactory
	Log     zerolog.Logger
}

func NewManager(opts Options) *Manager {
	m := &Manager{
		devices:    opts.Devices,
		pub:        opts.Publisher,
		root:       opts.Root,
		newBackend: opts.Factory,
		now:        time.Now,
		log:        opts.Log.With().Str("component", "storage").Logger(),
	}
	if m.newBackend == nil {
		m.newBackend = OpenBackend
	}
	return m
}

type filePayload struct {
	File string `json:"file"`
	Ext  string `json:"ext"`
	Name string `json:"name,omitempty"`
	Path string `json:"path,omitempty"`
}

// HandleMessage is the storage consumer's process function.
func (m *Manager) HandleMessage(ctx context.Context, msg ingest.Message) error {
	parts := strings.Split(msg.Topic, "/")
	if len(parts) < 4 {
		return fmt.Errorf("malformed file topic %q", msg.Topic)
	}
	prefix, clientID := parts[0], parts[1]
	createdTopic := prefix + "/" + clientID + "/file/created"

	label := "unknown"
	fail := func(err error) error {
		metrics.StorageUploadsTotal.WithLabelValues(label, "error").Inc()
		if perr := m.pub.Publish(createdTopic, []byte(`"error"`)); perr != nil {
			m.log.Warn().Err(perr).Str("topic", createdTopic).Msg("error publish failed")
		}
		return err
	}

	d, ok := m.devices.ByClientID(clientID)
	if !ok || d.TopicPrefix != prefix {
		return fail(fmt.Errorf("file create for unknown device %q", clientID))
	}

	var p filePayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return fail(fmt.Errorf("device %d: file payload not JSON: %w", d.ID, err))
	}
	if p.File == "" {
		return fail(fmt.Errorf("device %d: file payload missing file field", d.ID))
	}
	data, err := base64.StdEncoding.DecodeString(p.File)
	if err != nil {
		return fail(fmt.Errorf("device %d: file field not base64: %w", d.ID, err))
	}

	ext := strings.ToLower(strings.TrimPrefix(p.Ext, "."))
	name := p.Name
	if name == "" {
		name = strconv.FormatInt(m.now().UnixNano(), 10) + "." + ext
	}
	sub := path.Join(Classify(ext), p.Path, name)

	backend, l, err := m.newBackend(ctx, d, m.root)
	if err != nil {
		return fail(fmt.Errorf("device %d: open backend: %w", d.ID, err))
	}
	label = l
	defer backend.Close()

	if err := backend.MkdirAll(ctx, path.Dir(sub)); err != nil {
		return fail(fmt.Errorf("device %d: mkdir %s: %w", d.ID, path.Dir(sub), err))
	}
	if err := backend.Put(ctx, sub, data); err != nil {
		return fail(fmt.Errorf("device %d: upload %s: %w", d.ID, sub, err))
	}

	metrics.StorageUploadsTotal.WithLabelValues(label, "ok").Inc()
	if err := m.pub.Publish(createdTopic, []byte(`"success"`)); err != nil {
		m.log.Warn().Err(err).Str("topic", createdTopic).Msg("success publish failed")
	}
	m.publishJSON(d.FullTopic("file/new"), map[string]any{"path": sub})
	m.publishJSON(d.LogTopic(), map[string]any{
		"event":     "file",
		"path":      sub,
		"backend":   label,
		"timestamp": m.now().UTC().Format(time.RFC3339),
	})
	m.log.Info().Int64("device_id", d.ID).Str("backend", label).Str("path", sub).Int("bytes", len(data)).Msg("file stored")
	return nil
}

// Run publishes a heartbeat on every storage device's log topic every 5s.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.heartbeat()
		}
	}
}

func (m *Manager) heartbeat() {
	ts := m.now().UTC().Format(time.RFC3339)
	for _, d := range m.devices.All() {
		if _, ok := backendLabel(d.Model); !ok {
			continue
		}
		m.publishJSON(d.LogTopic(), map[string]any{
			"event":     "heartbeat",
			"device_id": d.ID,
			"timestamp": ts,
		})
	}
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

// backendLabel maps a device model name to a backend kind.
func backendLabel(model string) (string, bool) {
	model = strings.ToLower(model)
	switch {
	case strings.Contains(model, "sftp"):
		return "sftp", true
	case strings.Contains(model, "ftp"):
		return "ftp", true
	case strings.Contains(model, "s3"), strings.Contains(model, "cloud"):
		return "s3", true
	case strings.Contains(model, "storage"), strings.Contains(model, "local"):
		return "local", true
	}
	return "", false
}

// OpenBackend is the default factory: it dispatches on the device model and
// reads connection settings from the device parameters.
func OpenBackend(ctx context.Context, d device.Device, root string) (Backend, string, error) {
	label, ok := backendLabel(d.Model)
	if !ok {
		return nil, "", fmt.Errorf("device model %q is not a storage backend", d.Model)
	}

	p := d.Parameters
	switch label {
	case "ftp":
		b, err := NewFTP(ctx, FTPParams{
			Host:     paramString(p, "host"),
			Port:     paramInt(p, "port"),
			Username: paramString(p, "user"),
			Password: paramString(p, "password"),
			RootPath: paramString(p, "root_path"),
			TLS:      paramBool(p, "tls"),
		})
		return b, label, err
	case "sftp":
		b, err := NewSFTP(ctx, SFTPParams{
			Host:     paramString(p, "host"),
			Port:     paramInt(p, "port"),
			Username: paramString(p, "user"),
			Password: paramString(p, "password"),
			RootPath: paramString(p, "root_path"),
		})
		return b, label, err
	case "s3":
		b, err := NewS3(ctx, S3Params{
			Region:    paramString(p, "region"),
			Endpoint:  paramString(p, "endpoint"),
			Bucket:    paramString(p, "bucket"),
			AccessKey: paramString(p, "access_key"),
			SecretKey: paramString(p, "secret_key"),
			RootPath:  paramString(p, "root_path"),
		})
		return b, label, err
	default:
		return NewLocal(root, paramString(p, "base_path")), label, nil
	}
}

func paramString(p map[string]any, key string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return ""
}

func paramInt(p map[string]any, key string) int {
	switch v := p[key].(type) {
	case float64:
		return int(v)
	case string:
		n, _ := strconv.Atoi(v)
		return n
	}
	return 0
}

func paramBool(p map[string]any, key string) bool {
	switch v := p[key].(type) {
	case bool:
		return v
	case string:
		return v == "1" || v == "true"
	case float64:
		return v == 1
	}
	return false
}
