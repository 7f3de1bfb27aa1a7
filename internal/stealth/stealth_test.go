package stealth

import (
	"image"
	"image/color"
	"strings"
	"testing"

	"github.com/orisano/pixelmatch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCatalogPresets(t *testing.T) {
	c := NewCatalogSeeded(1)

	for _, name := range []string{PresetWindows, PresetMacOS, PresetLinux, PresetAndroid, PresetIOS} {
		p, err := c.Preset(name)
		require.NoError(t, err, name)
		assert.Equal(t, name, p.Name)
		assert.NotEmpty(t, p.Fingerprint.UserAgent)
		assert.NotEmpty(t, p.Fingerprint.WebGLRenderer)
		assert.Equal(t, AllFlags, p.Flags)
	}

	win, err := c.Preset(PresetWindows)
	require.NoError(t, err)
	assert.Equal(t, "Win32", win.Fingerprint.Platform)

	mac, err := c.Preset(PresetMacOS)
	require.NoError(t, err)
	assert.Equal(t, "MacIntel", mac.Fingerprint.Platform)

	_, err = c.Preset("BEOS")
	require.Error(t, err)
}

func TestCatalogPresetIDsStable(t *testing.T) {
	a := NewCatalogSeeded(1)
	b := NewCatalogSeeded(99)

	pa, err := a.Preset(PresetWindows)
	require.NoError(t, err)
	pb, err := b.Preset(PresetWindows)
	require.NoError(t, err)
	assert.Equal(t, pa.ID, pb.ID)
}

func TestCatalogRandomize(t *testing.T) {
	c := NewCatalogSeeded(42)

	p := c.Randomize()
	assert.Contains(t, randomCores, p.Fingerprint.HardwareConcurrency)
	assert.Contains(t, randomMemory, p.Fingerprint.DeviceMemory)
	assert.Contains(t, randomZones, p.Fingerprint.Timezone)
	assert.NotEmpty(t, p.Fingerprint.Languages)

	got, err := c.Get(p.ID)
	require.NoError(t, err)
	assert.Same(t, p, got)

	// Same seed, same draw sequence.
	d := NewCatalogSeeded(42).Randomize()
	assert.Equal(t, p.Fingerprint, d.Fingerprint)
}

func TestBuildScriptContainsEnabledSnippets(t *testing.T) {
	c := NewCatalogSeeded(1)
	p, err := c.Preset(PresetWindows)
	require.NoError(t, err)

	src, err := BuildScript(p)
	require.NoError(t, err)

	assert.Contains(t, src, `"platform":"Win32"`)
	assert.Contains(t, src, "getParameter")
	assert.Contains(t, src, "getImageData")
	assert.Contains(t, src, "getChannelData")
	assert.Contains(t, src, "'webdriver', false")

	// Idempotency guard keyed on the profile id.
	assert.Contains(t, src, "window.__cfp === cfg.profileId")
	assert.Equal(t, 1, strings.Count(src, "use strict"))
}

func TestBuildScriptHonorsFlagSubset(t *testing.T) {
	c := NewCatalogSeeded(1)
	p := c.Add("bare", presets[PresetLinux], []Flag{FlagWebdriverHide})

	src, err := BuildScript(p)
	require.NoError(t, err)
	assert.Contains(t, src, "'webdriver', false")
	assert.NotContains(t, src, "getImageData")
	assert.NotContains(t, src, "getParameter")
}

func TestBuildScriptDeterministic(t *testing.T) {
	c := NewCatalogSeeded(1)
	p, err := c.Preset(PresetMacOS)
	require.NoError(t, err)

	a, err := BuildScript(p)
	require.NoError(t, err)
	b, err := BuildScript(p)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

// noisyImage renders the deterministic canvas perturbation for a profile
// onto a flat gray base, the way the injected snippet does in-page.
func noisyImage(t *testing.T, profileID string, w, h int) image.Image {
	t.Helper()
	deltas := CanvasDeltas(profileID, w, h, w*h*3)
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	i := 0
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{
				R: uint8(128 + int(deltas[i])),
				G: uint8(128 + int(deltas[i+1])),
				B: uint8(128 + int(deltas[i+2])),
				A: 255,
			})
			i += 3
		}
	}
	return img
}

func TestCanvasNoiseStablePerProfile(t *testing.T) {
	const w, h = 32, 32

	p1 := noisyImage(t, "preset-WINDOWS", w, h)
	p2 := noisyImage(t, "preset-WINDOWS", w, h)
	other := noisyImage(t, "preset-MACOS", w, h)

	same, err := pixelmatch.MatchPixel(p1, p2, pixelmatch.Threshold(0))
	require.NoError(t, err)
	assert.Zero(t, same, "same profile must produce identical fingerprints")

	diff, err := pixelmatch.MatchPixel(p1, other, pixelmatch.Threshold(0))
	require.NoError(t, err)
	assert.NotZero(t, diff, "different profiles must produce different fingerprints")
}

func TestCanvasDeltasBounded(t *testing.T) {
	for _, d := range CanvasDeltas("preset-LINUX", 64, 64, 64*64*3) {
		assert.GreaterOrEqual(t, d, int8(-1))
		assert.LessOrEqual(t, d, int8(1))
	}
}

func TestAudioJitterBounded(t *testing.T) {
	jitter := AudioJitter("preset-LINUX", 4096, 4096)
	var nonzero int
	for _, j := range jitter {
		assert.LessOrEqual(t, j, 1e-7)
		assert.GreaterOrEqual(t, j, -1e-7)
		if j != 0 {
			nonzero++
		}
	}
	assert.NotZero(t, nonzero)

	again := AudioJitter("preset-LINUX", 4096, 4096)
	assert.Equal(t, jitter, again)
}
