package telemetry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	control "procctl-core/closed_loop/process_control"
)

// TagSpec declares one tag of the address space. Writable tags accept
// writes from supervisory clients; every tag accepts writes from the loop.
type TagSpec struct {
	Name     string
	Initial  control.TagValue
	Writable bool
}

// Tag is a point-in-time view of one tag.
type Tag struct {
	Name     string
	Value    control.TagValue
	Writable bool
	Updated  time.Time
}

// TagUpdate is pushed to subscribers on every successful write.
type TagUpdate struct {
	Namespace string
	Tag       Tag
}

// DefaultTags is the reference address space: a writable setpoint and the
// read-only loop state.
func DefaultTags(names control.TagNames, setpoint float64) []TagSpec {
	specs := []TagSpec{
		{Name: names.ProcessValue, Initial: control.FloatTag(25.0)},
		{Name: names.ControlOutput, Initial: control.FloatTag(0)},
		{Name: names.Setpoint, Initial: control.FloatTag(setpoint), Writable: true},
		{Name: names.Valid, Initial: control.BoolTag(true)},
	}
	if names.Present != "" {
		specs = append(specs, TagSpec{Name: names.Present, Initial: control.BoolTag(true)})
	}
	return specs
}

type tagEntry struct {
	spec    TagSpec
	value   control.TagValue
	updated time.Time
}

// TagServer is an in-process tag table under one namespace.
type TagServer struct {
	namespace string

	mu   sync.RWMutex
	tags map[string]*tagEntry
	subs map[chan TagUpdate]struct{}
	now  func() time.Time
}

func NewTagServer(namespace string, specs []TagSpec) (*TagServer, error) {
	s := &TagServer{
		namespace: namespace,
		tags:      make(map[string]*tagEntry, len(specs)),
		subs:      make(map[chan TagUpdate]struct{}),
		now:       time.Now,
	}
	for _, spec := range specs {
		if spec.Name == "" {
			return nil, fmt.Errorf("tag with empty name")
		}
		if _, dup := s.tags[spec.Name]; dup {
			return nil, fmt.Errorf("duplicate tag %s", spec.Name)
		}
		s.tags[spec.Name] = &tagEntry{spec: spec, value: spec.Initial, updated: s.now()}
	}
	return s, nil
}

func (s *TagServer) Namespace() string { return s.namespace }

func (s *TagServer) ReadTag(_ context.Context, name string) (control.TagValue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.tags[name]
	if !ok {
		return control.TagValue{}, fmt.Errorf("%s: %w", name, ErrTagNotFound)
	}
	return e.value, nil
}

// WriteTag is the loop-side write.
func (s *TagServer) WriteTag(_ context.Context, name string, v control.TagValue) error {
	return s.write(name, v, false)
}

// WriteExternal is the supervisory-side write; read-only tags refuse it.
func (s *TagServer) WriteExternal(name string, v control.TagValue) error {
	return s.write(name, v, true)
}

func (s *TagServer) write(name string, v control.TagValue, external bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.tags[name]
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrTagNotFound)
	}
	if external && !e.spec.Writable {
		return fmt.Errorf("%s: %w", name, ErrTagReadOnly)
	}
	if v.Kind != e.spec.Initial.Kind {
		return fmt.Errorf("%s: %w: got %s, want %s", name, ErrTagType, v.Kind, e.spec.Initial.Kind)
	}
	e.value = v
	e.updated = s.now()

	u := TagUpdate{Namespace: s.namespace, Tag: e.snapshot()}
	for ch := range s.subs {
		select {
		case ch <- u:
		default:
			// slow subscriber, drop
		}
	}
	return nil
}

func (e *tagEntry) snapshot() Tag {
	return Tag{Name: e.spec.Name, Value: e.value, Writable: e.spec.Writable, Updated: e.updated}
}

// Lookup returns one tag with its metadata.
func (s *TagServer) Lookup(name string) (Tag, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.tags[name]
	if !ok {
		return Tag{}, false
	}
	return e.snapshot(), true
}

// Snapshot returns every tag sorted by name.
func (s *TagServer) Snapshot() []Tag {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Tag, 0, len(s.tags))
	for _, e := range s.tags {
		out = append(out, e.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Subscribe returns a buffered channel of updates and a cancel function.
// Updates are dropped rather than blocking writers when the buffer is full.
func (s *TagServer) Subscribe(buffer int) (<-chan TagUpdate, func()) {
	ch := make(chan TagUpdate, buffer)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, ch)
			s.mu.Unlock()
			close(ch)
		})
	}
}
