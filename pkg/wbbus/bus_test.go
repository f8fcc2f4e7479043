package wbbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitInRegistrationOrder(t *testing.T) {
	b := New()
	var got []string
	b.Subscribe("tasks", func(p string) { got = append(got, "a:"+p) })
	b.Subscribe("tasks", func(p string) { got = append(got, "b:"+p) })
	b.Subscribe("tasks", func(p string) { got = append(got, "c:"+p) })

	n := b.Emit("tasks", "x")
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"a:x", "b:x", "c:x"}, got)
}

func TestEmitIsolatesNames(t *testing.T) {
	b := New()
	var tasks, emotions int
	b.Subscribe("tasks", func(string) { tasks++ })
	b.Subscribe("emotions", func(string) { emotions++ })

	b.Emit("tasks", "p")
	assert.Equal(t, 1, tasks)
	assert.Equal(t, 0, emotions)

	assert.Equal(t, 0, b.Emit("vision", "p"))
}

func TestDuplicateSubscriptionsAreBothCalled(t *testing.T) {
	b := New()
	count := 0
	cb := func(string) { count++ }
	b.Subscribe("console", cb)
	b.Subscribe("console", cb)

	b.Emit("console", "help")
	assert.Equal(t, 2, count)
}

func TestRelease(t *testing.T) {
	b := New()
	var got []string
	s1 := b.Subscribe("tasks", func(p string) { got = append(got, "1") })
	b.Subscribe("tasks", func(p string) { got = append(got, "2") })
	require.Equal(t, 2, b.Len("tasks"))

	s1.Release()
	s1.Release()
	assert.Equal(t, 1, b.Len("tasks"))

	b.Emit("tasks", "p")
	assert.Equal(t, []string{"2"}, got)
}

func TestReleaseLastRemovesName(t *testing.T) {
	b := New()
	s := b.Subscribe("tasks", func(string) {})
	assert.Equal(t, []string{"tasks"}, b.Names())
	s.Release()
	assert.Empty(t, b.Names())
}

func TestReleaseDuringEmit(t *testing.T) {
	b := New()
	var got []string
	var s1 *Subscription
	s1 = b.Subscribe("tasks", func(p string) {
		got = append(got, "1")
		s1.Release()
	})
	b.Subscribe("tasks", func(p string) { got = append(got, "2") })

	b.Emit("tasks", "a")
	b.Emit("tasks", "b")
	assert.Equal(t, []string{"1", "2", "2"}, got)
}

func TestPanickingCallbackDoesNotStopOthers(t *testing.T) {
	b := New()
	var panics []interface{}
	b.OnPanic = func(name string, r interface{}) {
		assert.Equal(t, "tasks", name)
		panics = append(panics, r)
	}
	var got []string
	b.Subscribe("tasks", func(p string) { got = append(got, "before") })
	b.Subscribe("tasks", func(p string) { panic("boom") })
	b.Subscribe("tasks", func(p string) { got = append(got, "after") })

	assert.NotPanics(t, func() { b.Emit("tasks", "p") })
	assert.Equal(t, []string{"before", "after"}, got)
	assert.Equal(t, []interface{}{"boom"}, panics)
}

func TestPanicWithoutHandlerIsSwallowed(t *testing.T) {
	b := New()
	called := false
	b.Subscribe("tasks", func(string) { panic("boom") })
	b.Subscribe("tasks", func(string) { called = true })

	assert.NotPanics(t, func() { b.Emit("tasks", "p") })
	assert.True(t, called)
}
