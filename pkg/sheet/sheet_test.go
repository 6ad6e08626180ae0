package sheet

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleSheet = `<nav class="tabs">
<a class="item active" data-tab="description">Description</a>
<a class="item" data-tab="attributes">Attributes</a>
</nav>
<div class="tab active" data-tab="description">Desc body</div>
<div class="tab" data-tab="attributes">Attr body</div>`

func TestActivateTabMovesActiveClass(t *testing.T) {
	out := ActivateTab(sampleSheet, "attributes")

	assert.Contains(t, out, `<a class="active item" data-tab="attributes">`)
	assert.Contains(t, out, `<div class="active tab" data-tab="attributes">`)
	assert.NotContains(t, out, `class="item active" data-tab="description"`)
	assert.NotContains(t, out, `class="tab active" data-tab="description"`)
}

func TestActivateTabUnknownTabIsNoop(t *testing.T) {
	assert.Equal(t, sampleSheet, ActivateTab(sampleSheet, "inventory"))
}

func TestActivateTabEmptyOrHostileInputIsNoop(t *testing.T) {
	assert.Equal(t, sampleSheet, ActivateTab(sampleSheet, ""))
	assert.Equal(t, sampleSheet, ActivateTab(sampleSheet, `x" onload="evil`))
}

func TestActivateTabAddsClassAttributeWhenMissing(t *testing.T) {
	html := `<a data-tab="skills">Skills</a><div data-tab="skills">body</div>`
	out := ActivateTab(html, "skills")

	assert.Contains(t, out, `class="active"`)
}

func TestTemplateRendererWrapsFragments(t *testing.T) {
	page, err := TemplateRenderer{}.Render(EnvelopeData{
		Title:    "Sir Gold",
		SystemId: "dnd5e",
		Html:     SafeHTML(`<div class="sheet">body</div>`),
		Css:      SafeCSS(".sheet{color:gold}"),
	})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(page, "<!DOCTYPE html>"))
	assert.Contains(t, page, "<title>Sir Gold</title>")
	assert.Contains(t, page, `system-dnd5e`)
	assert.Contains(t, page, `<div class="sheet">body</div>`)
	assert.Contains(t, page, ".sheet{color:gold}")
}
