package registry

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"slotwatch/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const catalog = `
targets:
  - id: tokyo-imm
    name: Tokyo Immigration
    kind: government_office
    tier: 1
    system:
      prefecture: tokyo
      office: shinagawa
    recipe:
      check_url: https://example.test/slots
      min_request_delay: 1500ms
      error_threshold: 3
      headers:
        accept: application/json
  - id: vfs-it
    name: VFS Italy
    kind: visa_center
    tier: 3
    check_interval: 5m
    system:
      provider: vfs
      country: it
    recipe:
      check_url: https://vfs.test/slots
`

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "targets.yaml")
	require.NoError(t, os.WriteFile(path, []byte(catalog), 0o644))

	r, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 2, r.Len())

	list := r.List()
	assert.Equal(t, "tokyo-imm", list[0].ID)
	assert.Equal(t, "vfs-it", list[1].ID)

	tgt, err := r.Get("tokyo-imm")
	require.NoError(t, err)
	assert.Equal(t, models.KindGovernmentOffice, tgt.Kind())
	assert.Equal(t, models.GovernmentOffice{Prefecture: "tokyo", Office: "shinagawa"}, tgt.System)
	assert.Equal(t, 1500*time.Millisecond, tgt.Recipe.GetDuration(models.RecipeMinRequestDelay))
	assert.Equal(t, 3, tgt.Recipe.GetInt(models.RecipeErrorThreshold))
	headers, ok := tgt.Recipe["headers"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "application/json", headers["accept"])

	vfs, err := r.Get("vfs-it")
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, vfs.CheckInterval)

	_, err = r.Get("nope")
	assert.ErrorIs(t, err, ErrUnknownTarget)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"unknown kind", "targets:\n  - {id: a, kind: bank, tier: 1, recipe: {x: 1}}"},
		{"bad interval", "targets:\n  - {id: a, kind: consulate, tier: 1, check_interval: soon, system: {country: fr, service: visa}, recipe: {x: 1}}"},
		{"bad yaml", "targets: ["},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestNewValidation(t *testing.T) {
	valid := func() models.Target {
		return models.Target{
			ID:     "c1",
			System: models.Consulate{Country: "fr", Service: "visa"},
			Tier:   2,
			Recipe: models.Recipe{"check_url": "x"},
		}
	}

	tests := []struct {
		name   string
		mutate func(*models.Target)
	}{
		{"missing id", func(t *models.Target) { t.ID = "" }},
		{"tier zero", func(t *models.Target) { t.Tier = 0 }},
		{"tier four", func(t *models.Target) { t.Tier = 4 }},
		{"empty recipe", func(t *models.Target) { t.Recipe = nil }},
		{"no system", func(t *models.Target) { t.System = nil }},
		{"consulate without service", func(t *models.Target) { t.System = models.Consulate{Country: "fr"} }},
		{"office without prefecture", func(t *models.Target) { t.System = models.GovernmentOffice{} }},
		{"visa without country", func(t *models.Target) { t.System = models.VisaCenter{Provider: "vfs"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tgt := valid()
			tt.mutate(&tgt)
			_, err := New([]models.Target{tgt})
			assert.Error(t, err)
		})
	}

	_, err := New([]models.Target{valid(), valid()})
	assert.ErrorContains(t, err, "duplicate")

	r, err := New([]models.Target{valid()})
	require.NoError(t, err)
	got, _ := r.Get("c1")
	assert.Equal(t, models.TargetActive, got.Status)
}

func TestAllowList(t *testing.T) {
	targets, err := Parse([]byte(catalog))
	require.NoError(t, err)
	r, err := New(targets)
	require.NoError(t, err)

	assert.True(t, r.Allowed("vfs-it"))
	assert.Nil(t, r.AllowList())

	require.NoError(t, r.SetAllowList([]string{"tokyo-imm"}))
	assert.True(t, r.Allowed("tokyo-imm"))
	assert.False(t, r.Allowed("vfs-it"))
	assert.Equal(t, []string{"tokyo-imm"}, r.AllowList())

	assert.ErrorIs(t, r.SetAllowList([]string{"ghost"}), ErrUnknownTarget)
	assert.Equal(t, []string{"tokyo-imm"}, r.AllowList(), "failed update keeps the previous list")

	require.NoError(t, r.SetAllowList(nil))
	assert.True(t, r.Allowed("vfs-it"))
}

func TestShippedCatalog(t *testing.T) {
	r, err := Load(filepath.Join("..", "..", "configs", "targets.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 4, r.Len())

	kinds := map[models.TargetKind]int{}
	for _, tgt := range r.List() {
		kinds[tgt.Kind()]++
		assert.NotEmpty(t, tgt.Recipe.GetString("check_url"), tgt.ID)
	}
	assert.Equal(t, map[models.TargetKind]int{
		models.KindGovernmentOffice: 2,
		models.KindVisaCenter:       1,
		models.KindConsulate:        1,
	}, kinds)
}
