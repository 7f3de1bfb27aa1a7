// Package stealth builds and installs the anti-fingerprinting overrides
// applied to every page before any of its scripts run.
package stealth

import (
	"math/rand"
	"sync"

	"github.com/google/uuid"

	"github.com/sbilly/chaser/internal/errs"
)

// Flag enables one override snippet.
type Flag string

const (
	FlagNavigator     Flag = "navigator"
	FlagScreen        Flag = "screen"
	FlagWebGL         Flag = "webgl"
	FlagCanvas        Flag = "canvas"
	FlagAudio         Flag = "audio"
	FlagWebdriverHide Flag = "webdriver-hide"
	FlagPlugins       Flag = "plugins"
)

// AllFlags is every override, in injection order.
var AllFlags = []Flag{
	FlagWebdriverHide, FlagNavigator, FlagPlugins, FlagScreen,
	FlagWebGL, FlagCanvas, FlagAudio,
}

// Fingerprint is the value bundle a profile presents to page script.
type Fingerprint struct {
	UserAgent           string   `json:"userAgent"`
	Platform            string   `json:"platform"`
	Vendor              string   `json:"vendor"`
	HardwareConcurrency int      `json:"hardwareConcurrency"`
	DeviceMemory        int      `json:"deviceMemory"`
	ScreenWidth         int      `json:"screenWidth"`
	ScreenHeight        int      `json:"screenHeight"`
	ColorDepth          int      `json:"colorDepth"`
	PixelRatio          float64  `json:"pixelRatio"`
	Languages           []string `json:"languages"`
	Timezone            string   `json:"timezone"`
	WebGLVendor         string   `json:"webglVendor"`
	WebGLRenderer       string   `json:"webglRenderer"`
}

// Profile is an immutable fingerprint bundle plus its enabled overrides.
type Profile struct {
	ID          string
	Name        string
	Fingerprint Fingerprint
	Flags       []Flag
}

func (p *Profile) hasFlag(f Flag) bool {
	for _, x := range p.Flags {
		if x == f {
			return true
		}
	}
	return false
}

// Preset names seeded into every catalog.
const (
	PresetWindows = "WINDOWS"
	PresetMacOS   = "MACOS"
	PresetLinux   = "LINUX"
	PresetAndroid = "ANDROID"
	PresetIOS     = "IOS"
)

// presets is the built-in user-agent / WebGL tuple table.
var presets = map[string]Fingerprint{
	PresetWindows: {
		UserAgent:           "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		Platform:            "Win32",
		Vendor:              "Google Inc.",
		HardwareConcurrency: 8,
		DeviceMemory:        8,
		ScreenWidth:         1920,
		ScreenHeight:        1080,
		ColorDepth:          24,
		PixelRatio:          1,
		Languages:           []string{"en-US", "en"},
		Timezone:            "America/New_York",
		WebGLVendor:         "Google Inc. (NVIDIA)",
		WebGLRenderer:       "ANGLE (NVIDIA, NVIDIA GeForce GTX 1660 Direct3D11 vs_5_0 ps_5_0, D3D11)",
	},
	PresetMacOS: {
		UserAgent:           "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		Platform:            "MacIntel",
		Vendor:              "Google Inc.",
		HardwareConcurrency: 10,
		DeviceMemory:        16,
		ScreenWidth:         2560,
		ScreenHeight:        1600,
		ColorDepth:          30,
		PixelRatio:          2,
		Languages:           []string{"en-US", "en"},
		Timezone:            "America/Los_Angeles",
		WebGLVendor:         "Google Inc. (Apple)",
		WebGLRenderer:       "ANGLE (Apple, Apple M2, OpenGL 4.1)",
	},
	PresetLinux: {
		UserAgent:           "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		Platform:            "Linux x86_64",
		Vendor:              "Google Inc.",
		HardwareConcurrency: 12,
		DeviceMemory:        16,
		ScreenWidth:         1920,
		ScreenHeight:        1200,
		ColorDepth:          24,
		PixelRatio:          1,
		Languages:           []string{"en-US", "en"},
		Timezone:            "Europe/Berlin",
		WebGLVendor:         "Google Inc. (Intel)",
		WebGLRenderer:       "ANGLE (Intel, Mesa Intel(R) UHD Graphics 630, OpenGL 4.6)",
	},
	PresetAndroid: {
		UserAgent:           "Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Mobile Safari/537.36",
		Platform:            "Linux armv8l",
		Vendor:              "Google Inc.",
		HardwareConcurrency: 8,
		DeviceMemory:        8,
		ScreenWidth:         412,
		ScreenHeight:        915,
		ColorDepth:          24,
		PixelRatio:          2.625,
		Languages:           []string{"en-US", "en"},
		Timezone:            "America/Chicago",
		WebGLVendor:         "Qualcomm",
		WebGLRenderer:       "Adreno (TM) 740",
	},
	PresetIOS: {
		UserAgent:           "Mozilla/5.0 (iPhone; CPU iPhone OS 17_2 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.2 Mobile/15E148 Safari/604.1",
		Platform:            "iPhone",
		Vendor:              "Apple Computer, Inc.",
		HardwareConcurrency: 6,
		DeviceMemory:        4,
		ScreenWidth:         393,
		ScreenHeight:        852,
		ColorDepth:          24,
		PixelRatio:          3,
		Languages:           []string{"en-US", "en"},
		Timezone:            "America/New_York",
		WebGLVendor:         "Apple Inc.",
		WebGLRenderer:       "Apple GPU",
	},
}

// Randomization tables.
var (
	randomCores   = []int{4, 6, 8, 12, 16}
	randomMemory  = []int{4, 8, 16, 32}
	randomScreens = [][2]int{{1366, 768}, {1536, 864}, {1920, 1080}, {2560, 1440}, {3840, 2160}}
	randomZones   = []string{
		"America/New_York", "America/Chicago", "America/Los_Angeles",
		"Europe/London", "Europe/Berlin", "Europe/Paris",
		"Asia/Tokyo", "Australia/Sydney",
	}
	randomLangs = [][]string{
		{"en-US", "en"}, {"en-GB", "en"}, {"de-DE", "de", "en"},
		{"fr-FR", "fr", "en"}, {"ja-JP", "ja", "en"},
	}
)

// Catalog is the in-memory profile store. Profiles are immutable once
// added; presets are seeded on construction.
type Catalog struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
	names    map[string]string // preset name → id
	rng      *rand.Rand
	rngMu    sync.Mutex
}

// NewCatalog builds a catalog seeded with the built-in presets.
func NewCatalog() *Catalog {
	return NewCatalogSeeded(rand.Int63())
}

// NewCatalogSeeded builds a catalog whose Randomize draws are
// deterministic. Preset IDs are stable across catalogs.
func NewCatalogSeeded(seed int64) *Catalog {
	c := &Catalog{
		profiles: make(map[string]*Profile),
		names:    make(map[string]string),
		rng:      rand.New(rand.NewSource(seed)),
	}
	for name, fp := range presets {
		p := &Profile{
			ID:          "preset-" + name,
			Name:        name,
			Fingerprint: fp,
			Flags:       AllFlags,
		}
		c.profiles[p.ID] = p
		c.names[name] = p.ID
	}
	return c
}

// Get returns a profile by id.
func (c *Catalog) Get(id string) (*Profile, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.profiles[id]
	if !ok {
		return nil, errs.New(errs.CodeNotFound, "unknown stealth profile %q", id)
	}
	return p, nil
}

// Preset returns the seeded profile for a preset name.
func (c *Catalog) Preset(name string) (*Profile, error) {
	c.mu.RLock()
	id, ok := c.names[name]
	c.mu.RUnlock()
	if !ok {
		return nil, errs.New(errs.CodeNotFound, "unknown stealth preset %q", name)
	}
	return c.Get(id)
}

// Add registers a caller-built profile under a fresh id and returns it.
func (c *Catalog) Add(name string, fp Fingerprint, flags []Flag) *Profile {
	if len(flags) == 0 {
		flags = AllFlags
	}
	p := &Profile{
		ID:          uuid.NewString(),
		Name:        name,
		Fingerprint: fp,
		Flags:       append([]Flag(nil), flags...),
	}
	c.mu.Lock()
	c.profiles[p.ID] = p
	c.mu.Unlock()
	return p
}

// Randomize derives a new profile from a random preset with
// independently sampled hardware values.
func (c *Catalog) Randomize() *Profile {
	c.rngMu.Lock()
	base := presets[[]string{PresetWindows, PresetMacOS, PresetLinux, PresetAndroid, PresetIOS}[c.rng.Intn(5)]]
	fp := base
	fp.HardwareConcurrency = randomCores[c.rng.Intn(len(randomCores))]
	fp.DeviceMemory = randomMemory[c.rng.Intn(len(randomMemory))]
	screen := randomScreens[c.rng.Intn(len(randomScreens))]
	fp.ScreenWidth, fp.ScreenHeight = screen[0], screen[1]
	fp.Timezone = randomZones[c.rng.Intn(len(randomZones))]
	fp.Languages = append([]string(nil), randomLangs[c.rng.Intn(len(randomLangs))]...)
	c.rngMu.Unlock()

	return c.Add("randomized", fp, AllFlags)
}
