package ownership

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type session struct {
	ID string
}

func TestFree_RunsDestructorsParentFirst(t *testing.T) {
	parent := New(nil, "parent", 16)
	child := New(parent, "child", 8)
	grandchild := New(child, "grandchild", 4)

	var order []string
	parent.SetDestructor(func() error { order = append(order, "parent"); return nil })
	child.SetDestructor(func() error { order = append(order, "child"); return nil })
	grandchild.SetDestructor(func() error { order = append(order, "grandchild"); return nil })

	require.NoError(t, parent.Free())
	assert.Equal(t, []string{"parent", "child", "grandchild"}, order)
	assert.True(t, parent.Freed())
	assert.True(t, child.Freed())
	assert.True(t, grandchild.Freed())
}

func TestFree_DestructorVeto(t *testing.T) {
	c := New(nil, "guarded", 1)
	veto := errors.New("no")
	c.SetDestructor(func() error { return veto })

	err := c.Free()
	require.Error(t, err)
	assert.ErrorIs(t, err, veto)
	assert.False(t, c.Freed())
}

func TestFree_VetoingChildIsReparentedToRoot(t *testing.T) {
	EnableRootTracking()
	defer DisableRootTracking()

	parent := New(nil, "parent", 1)
	child := New(parent, "sticky", 1)
	child.SetDestructor(func() error { return errors.New("refuse") })

	err := parent.Free()
	require.Error(t, err)
	assert.True(t, parent.Freed())
	assert.False(t, child.Freed())
	assert.Same(t, Root(), child.Parent())

	child.SetDestructor(nil)
	require.NoError(t, child.Free())
}

func TestFree_DoubleFreeAborts(t *testing.T) {
	var reason string
	SetAbortFunc(func(r string) { reason = r })
	defer SetAbortFunc(nil)

	c := New(nil, "once", 1)
	require.NoError(t, c.Free())
	assert.ErrorIs(t, c.Free(), ErrDoubleFree)
	assert.Contains(t, reason, "double free")
}

func TestFree_NilAndRoot(t *testing.T) {
	var c *Context
	assert.ErrorIs(t, c.Free(), ErrNilContext)
	assert.Error(t, Root().Free())
}

func TestParentChain(t *testing.T) {
	EnableRootTracking()
	defer DisableRootTracking()

	top := New(nil, "top", 1)
	mid := New(top, "mid", 1)
	leaf := New(mid, "leaf", 1)
	defer top.Free()

	assert.Same(t, mid, leaf.Parent())
	assert.Same(t, top, mid.Parent())
	assert.Same(t, Root(), top.Parent())
}

func TestRootTrackingDisabled(t *testing.T) {
	DisableRootTracking()
	c := New(nil, "orphan", 1)
	defer c.Free()
	assert.Nil(t, c.Parent())
	assert.False(t, RootTracking())
}

func TestAllocAndValue(t *testing.T) {
	c := Alloc(nil, &session{ID: "abc"})
	defer c.Free()

	s, ok := Value[*session](c)
	require.True(t, ok)
	assert.Equal(t, "abc", s.ID)

	_, ok = Value[string](c)
	assert.False(t, ok)
}

func TestMustValue_AbortsOnMismatch(t *testing.T) {
	var reason string
	SetAbortFunc(func(r string) { reason = r })
	defer SetAbortFunc(nil)

	c := Alloc(nil, 42)
	defer c.Free()

	assert.Equal(t, 42, MustValue[int](c))
	assert.Empty(t, reason)

	_ = MustValue[string](c)
	assert.Contains(t, reason, "type mismatch")
}

func TestReportFull(t *testing.T) {
	top := New(nil, "server", 100)
	New(top, "request", 20)
	conn := New(top, "connection", 30)
	New(conn, "buffer", 5)
	defer top.Free()

	bytesTotal, blocks := top.TotalSize()
	assert.Equal(t, 155, bytesTotal)
	assert.Equal(t, 4, blocks)

	var buf bytes.Buffer
	require.NoError(t, top.ReportFull(&buf))
	out := buf.String()
	assert.Contains(t, out, "full report on 'server'")
	assert.Contains(t, out, "request")
	assert.Contains(t, out, "        buffer")
}
