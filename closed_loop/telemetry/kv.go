package telemetry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	control "procctl-core/closed_loop/process_control"
	"procctl-core/utils"
)

// NATSConfig configures the JetStream key/value backend.
type NATSConfig struct {
	URL     string        `yaml:"url"`
	Bucket  string        `yaml:"bucket"`
	Timeout time.Duration `yaml:"timeout"`
}

func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:     nats.DefaultURL,
		Bucket:  "procctl",
		Timeout: 2 * time.Second,
	}
}

// kvStore is the part of jetstream.KeyValue the port uses.
type kvStore interface {
	get(ctx context.Context, key string) ([]byte, error)
	put(ctx context.Context, key string, value []byte) error
}

type jetstreamStore struct {
	kv jetstream.KeyValue
}

func (s jetstreamStore) get(ctx context.Context, key string) ([]byte, error) {
	e, err := s.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, ErrTagNotFound
		}
		return nil, err
	}
	return e.Value(), nil
}

func (s jetstreamStore) put(ctx context.Context, key string, value []byte) error {
	_, err := s.kv.Put(ctx, key, value)
	return err
}

// KVPort keeps each tag under "<namespace>.<tag>" in one bucket. Other
// supervisory clients set the setpoint by putting to its key.
type KVPort struct {
	prefix  string
	store   kvStore
	timeout time.Duration
	nc      *nats.Conn
	log     *utils.Logger
}

// DialKV connects to NATS and opens, or creates, the bucket.
func DialKV(ctx context.Context, cfg NATSConfig, namespace string, log *utils.Logger) (*KVPort, error) {
	nc, err := nats.Connect(cfg.URL, nats.Name("procctl"), nats.Timeout(cfg.Timeout))
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", cfg.URL, err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	kv, err := js.KeyValue(ctx, cfg.Bucket)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		log.Info("Creating KV bucket %s", cfg.Bucket)
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      cfg.Bucket,
			Description: "process control tags",
		})
	}
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("kv bucket %s: %w", cfg.Bucket, err)
	}

	p := newKVPort(namespace, jetstreamStore{kv: kv}, cfg.Timeout, log)
	p.nc = nc
	log.Info("Telemetry on NATS %s bucket=%s prefix=%s", cfg.URL, cfg.Bucket, p.prefix)
	return p, nil
}

func newKVPort(namespace string, store kvStore, timeout time.Duration, log *utils.Logger) *KVPort {
	return &KVPort{
		prefix:  sanitizeKey(namespace),
		store:   store,
		timeout: timeout,
		log:     log,
	}
}

// sanitizeKey maps a namespace onto the characters allowed in KV keys.
func sanitizeKey(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-', r == '_', r == '=', r == '/', r == '.':
			return r
		default:
			return '_'
		}
	}, s)
}

func (p *KVPort) key(name string) string { return p.prefix + "." + sanitizeKey(name) }

func (p *KVPort) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, p.timeout)
}

func (p *KVPort) ReadTag(ctx context.Context, name string) (control.TagValue, error) {
	ctx, cancel := p.bounded(ctx)
	defer cancel()

	data, err := p.store.get(ctx, p.key(name))
	if err != nil {
		if errors.Is(err, ErrTagNotFound) {
			return control.TagValue{}, fmt.Errorf("%s: %w", name, ErrTagNotFound)
		}
		return control.TagValue{}, fmt.Errorf("kv get %s: %w", p.key(name), err)
	}
	v, err := decodeTag(data)
	if err != nil {
		return control.TagValue{}, fmt.Errorf("%s: %w", name, err)
	}
	return v, nil
}

func (p *KVPort) WriteTag(ctx context.Context, name string, v control.TagValue) error {
	data, err := encodeTag(v)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	ctx, cancel := p.bounded(ctx)
	defer cancel()
	if err := p.store.put(ctx, p.key(name), data); err != nil {
		return fmt.Errorf("kv put %s: %w", p.key(name), err)
	}
	return nil
}

// Seed writes the initial value of every spec whose key is still missing,
// so a fresh bucket starts with a setpoint.
func (p *KVPort) Seed(ctx context.Context, specs []TagSpec) error {
	for _, s := range specs {
		_, err := p.ReadTag(ctx, s.Name)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrTagNotFound) {
			return err
		}
		if err := p.WriteTag(ctx, s.Name, s.Initial); err != nil {
			return err
		}
		p.log.Debug("Seeded %s = %s", p.key(s.Name), s.Initial)
	}
	return nil
}

// Close drains the NATS connection.
func (p *KVPort) Close() error {
	if p.nc == nil {
		return nil
	}
	return p.nc.Drain()
}
