package model_test

import (
	"strings"
	"testing"

	"codeberg.org/mutker/loxbridge/internal/errors"
	"codeberg.org/mutker/loxbridge/internal/model"
	"codeberg.org/mutker/loxbridge/internal/point"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDocument = `<?xml version="1.0" encoding="utf-8"?>
<Document>
  <C Type="Category" U="cat1" Title="Energy"/>
  <C Type="Place" U="room1" Title="Kitchen"/>
  <C Type="InfoOnlyAnalog" U="uuid-visible" Title="Power Meter" Desc="Main meter" Analog="true" StatsType="1">
    <IoData Cr="cat1" Pr="room1" Visu="true"/>
    <Display Unit="&lt;v.1&gt;kW"/>
  </C>
  <C Type="Meter" U="uuid-parent" Title="Gas Meter" Analog="true">
    <IoData Pr="room1" Visu="1" VisuPwd="false"/>
    <Co U="uuid-sub" K="ActualFlow"/>
  </C>
  <C Type="Switch" U="uuid-poll" Title="Pump">
    <IoData Visu="false"/>
  </C>
  <C Type="VirtualTextIn" U="uuid-vti" Title="Caller ID">
    <IoData Visu="0"/>
  </C>
  <C Type="Pushbutton" U="uuid-linker" Title="Scene" linkC="uuid-linked">
    <IoData Visu="yes"/>
  </C>
  <C Type="Switch" U="uuid-linked" Title="Scene Light">
    <IoData Visu="0" VisuPwd="1"/>
  </C>
</Document>`

func newTestBuilder() *model.Builder {
	return model.NewBuilder(model.BuildConfig{
		TypeBlacklist: []string{"Category", "Place"},
		Push:          model.NewRule(nil, nil, nil, nil),
		Poll:          model.NewRule(nil, nil, nil, nil),
	})
}

func TestBuildRegistries(t *testing.T) {
	regs, err := newTestBuilder().Build(testDocument)
	require.NoError(t, err)

	// Category/Place are type-blacklisted; everything else lands in all.
	assert.Len(t, regs.All, 7)
	assert.NotContains(t, regs.All, "cat1")

	for _, uuid := range []string{"uuid-visible", "uuid-parent", "uuid-sub", "uuid-linker"} {
		assert.Contains(t, regs.Push, uuid)
		assert.NotContains(t, regs.Poll, uuid)
	}

	assert.Contains(t, regs.Poll, "uuid-poll")
	assert.NotContains(t, regs.Push, "uuid-poll")

	// Unsafe-to-poll type, not visible: present in all, subscribed nowhere.
	assert.Contains(t, regs.All, "uuid-vti")
	assert.NotContains(t, regs.Push, "uuid-vti")
	assert.NotContains(t, regs.Poll, "uuid-vti")
}

func TestVisibilityPropagation(t *testing.T) {
	regs, err := newTestBuilder().Build(testDocument)
	require.NoError(t, err)

	// uuid-linked carries Visu="0" but is referenced from uuid-linker's
	// link list, which makes it push-eligible.
	linked, ok := regs.Push["uuid-linked"]
	require.True(t, ok)
	assert.True(t, linked.Visu)
	assert.True(t, linked.VisuPwd)
	assert.NotContains(t, regs.Poll, "uuid-linked")
}

func TestSubControl(t *testing.T) {
	regs, err := newTestBuilder().Build(testDocument)
	require.NoError(t, err)

	sub, ok := regs.All["uuid-sub"]
	require.True(t, ok)
	assert.Equal(t, "uuid-parent", sub.ParentUUID)
	assert.Equal(t, "ActualFlow", sub.FieldKey)
	assert.Contains(t, string(sub.Template), "subuuid=uuid-sub")
	assert.True(t, strings.HasSuffix(string(sub.Template), "ActualFlow="))
}

func TestPushTemplateRoundTrip(t *testing.T) {
	regs, err := newTestBuilder().Build(testDocument)
	require.NoError(t, err)

	ctrl := regs.Push["uuid-visible"]
	require.NotNil(t, ctrl)

	line := string(ctrl.Template) + "5.00000 1700000000000000000"
	assert.Contains(t, line, "uuid=uuid-visible")
	assert.Contains(t, line, "source=websocket")
	assert.Contains(t, line, "unit=kW", "markup is stripped from the unit")
	assert.Contains(t, line, "category=Energy")
	assert.Contains(t, line, "room=Kitchen")
	assert.Contains(t, line, "application=loxbridge")
	assert.Contains(t, line, " Default=5.00000 1700000000000000000")
}

func TestPollBuilderCarriesNoSource(t *testing.T) {
	regs, err := newTestBuilder().Build(testDocument)
	require.NoError(t, err)

	ctrl := regs.Poll["uuid-poll"]
	require.NotNil(t, ctrl)

	f := point.NewFormatter(false, 0)
	line := string(ctrl.Builder.Clone().Tag("source", "grabber").Field("Default", int64(1)).LineProtocol(f))
	assert.Contains(t, line, "source=grabber")
	assert.Contains(t, line, "Default=1i")
}

func TestBuildDeterministic(t *testing.T) {
	first, err := newTestBuilder().Build(testDocument)
	require.NoError(t, err)
	second, err := newTestBuilder().Build(testDocument)
	require.NoError(t, err)

	require.Equal(t, len(first.All), len(second.All))
	for uuid, ctrl := range first.All {
		other, ok := second.All[uuid]
		require.True(t, ok)
		assert.Equal(t, ctrl.Template, other.Template, "templates must be byte-identical across runs")
		assert.Equal(t, ctrl.FieldKey, other.FieldKey)
	}
}

func TestBuildMemoizesIdenticalDocument(t *testing.T) {
	b := newTestBuilder()

	first, err := b.Build(testDocument)
	require.NoError(t, err)
	second, err := b.Build(testDocument)
	require.NoError(t, err)

	assert.Same(t, first, second)
}

func TestBuildStripsBOM(t *testing.T) {
	regs, err := newTestBuilder().Build("\ufeff" + testDocument)
	require.NoError(t, err)
	assert.Contains(t, regs.All, "uuid-visible")
}

func TestBuildRepairsDuplicateAttributes(t *testing.T) {
	doc := `<Document>
  <C Type="User" U="user-1" U="user-2" Title="Admin">
    <IoData Visu="1"/>
  </C>
</Document>`

	regs, err := newTestBuilder().Build(doc)
	require.NoError(t, err)
	assert.Contains(t, regs.All, "user-1", "first occurrence of a duplicated attribute wins")
	assert.NotContains(t, regs.All, "user-2")
}

func TestBuildRecoversFromMalformedDocument(t *testing.T) {
	// &nbsp; is not a predefined XML entity; the strict parse fails and the
	// recovering parse resolves it.
	doc := `<Document>
  <C Type="Switch" U="uuid-a" Title="Foo&nbsp;Bar">
    <IoData Visu="1"/>
  </C>
</Document>`

	regs, err := newTestBuilder().Build(doc)
	require.NoError(t, err)
	assert.Contains(t, regs.Push, "uuid-a")
}

func TestBuildFailsOnGarbage(t *testing.T) {
	_, err := newTestBuilder().Build("not an xml document")
	require.Error(t, err)
	assert.Equal(t, model.ErrParseFailed, errors.CodeOf(err))
}

func TestBuildFailsOnEmptyDocument(t *testing.T) {
	_, err := newTestBuilder().Build("<Document/>")
	require.Error(t, err)
	assert.Equal(t, model.ErrEmptyDocument, errors.CodeOf(err))
}

func TestBuildAppliesFilters(t *testing.T) {
	b := model.NewBuilder(model.BuildConfig{
		TypeBlacklist: []string{"Category", "Place"},
		Push:          model.NewRule(nil, []string{"Meter"}, nil, nil),
		Poll:          model.NewRule(nil, nil, []string{"uuid-poll"}, nil),
	})

	regs, err := b.Build(testDocument)
	require.NoError(t, err)

	assert.Contains(t, regs.Push, "uuid-parent")
	assert.Contains(t, regs.Push, "uuid-sub")
	assert.NotContains(t, regs.Push, "uuid-visible", "type whitelist excludes everything not listed")
	assert.Empty(t, regs.Poll)
}
