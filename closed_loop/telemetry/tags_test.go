package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	control "procctl-core/closed_loop/process_control"
)

func newDefaultServer(t *testing.T) *TagServer {
	t.Helper()
	s, err := NewTagServer("urn:procctl:process", DefaultTags(control.DefaultTagNames, 50))
	require.NoError(t, err)
	return s
}

func TestDefaultTags(t *testing.T) {
	s := newDefaultServer(t)
	ctx := context.Background()

	sp, err := s.ReadTag(ctx, "Setpoint")
	require.NoError(t, err)
	assert.Equal(t, control.FloatTag(50), sp)

	pv, err := s.ReadTag(ctx, "ProcessTemperature")
	require.NoError(t, err)
	assert.Equal(t, control.FloatTag(25), pv)

	valid, err := s.ReadTag(ctx, "SensorValid")
	require.NoError(t, err)
	assert.Equal(t, control.BoolTag(true), valid)

	names := make([]string, 0)
	for _, tag := range s.Snapshot() {
		names = append(names, tag.Name)
	}
	assert.Equal(t, []string{"ControlOutput", "ProcessTemperature", "SensorPresent", "SensorValid", "Setpoint"}, names)
}

func TestDefaultTags_WithoutPresence(t *testing.T) {
	names := control.DefaultTagNames
	names.Present = ""
	assert.Len(t, DefaultTags(names, 50), 4)
}

func TestNewTagServer_Rejects(t *testing.T) {
	_, err := NewTagServer("ns", []TagSpec{{Name: "a"}, {Name: "a"}})
	assert.Error(t, err)

	_, err = NewTagServer("ns", []TagSpec{{Name: ""}})
	assert.Error(t, err)
}

func TestTagServer_Writes(t *testing.T) {
	s := newDefaultServer(t)
	ctx := context.Background()

	// the loop may write read-only tags
	require.NoError(t, s.WriteTag(ctx, "ControlOutput", control.FloatTag(6)))
	v, err := s.ReadTag(ctx, "ControlOutput")
	require.NoError(t, err)
	assert.Equal(t, 6.0, v.Float)

	// supervisory clients may not
	assert.ErrorIs(t, s.WriteExternal("ControlOutput", control.FloatTag(1)), ErrTagReadOnly)
	require.NoError(t, s.WriteExternal("Setpoint", control.FloatTag(60)))

	assert.ErrorIs(t, s.WriteTag(ctx, "SensorValid", control.FloatTag(1)), ErrTagType)
	assert.ErrorIs(t, s.WriteTag(ctx, "Missing", control.FloatTag(1)), ErrTagNotFound)
	_, err = s.ReadTag(ctx, "Missing")
	assert.ErrorIs(t, err, ErrTagNotFound)
}

func TestTagServer_Subscribe(t *testing.T) {
	s := newDefaultServer(t)
	updates, cancel := s.Subscribe(1)

	require.NoError(t, s.WriteExternal("Setpoint", control.FloatTag(70)))
	// buffer is full; this one is dropped instead of blocking
	require.NoError(t, s.WriteExternal("Setpoint", control.FloatTag(71)))

	u := <-updates
	assert.Equal(t, "urn:procctl:process", u.Namespace)
	assert.Equal(t, "Setpoint", u.Tag.Name)
	assert.Equal(t, 70.0, u.Tag.Value.Float)
	assert.True(t, u.Tag.Writable)

	cancel()
	cancel()
	_, ok := <-updates
	assert.False(t, ok)

	// writes after cancel must not panic on the closed channel
	require.NoError(t, s.WriteExternal("Setpoint", control.FloatTag(72)))
}
