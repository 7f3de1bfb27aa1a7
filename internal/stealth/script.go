package stealth

import (
	"encoding/json"
	"strings"

	"github.com/sbilly/chaser/internal/errs"
)

// BuildScript assembles the override script for a profile: a shared
// prelude (config + helpers + idempotency guard) followed by one snippet
// per enabled flag. The returned text is what gets registered via
// Page.addScriptToEvaluateOnNewDocument, so it runs in every frame before
// any page script.
func BuildScript(p *Profile) (string, error) {
	cfg := struct {
		ProfileID string `json:"profileId"`
		Fingerprint
	}{ProfileID: p.ID, Fingerprint: p.Fingerprint}

	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return "", errs.Wrap(errs.CodeInternal, err, "encoding profile config")
	}

	var b strings.Builder
	b.WriteString("(() => {\n'use strict';\n")
	b.WriteString("const cfg = " + string(cfgJSON) + ";\n")
	b.WriteString(preludeJS)
	for _, f := range AllFlags {
		if !p.hasFlag(f) {
			continue
		}
		b.WriteString(snippets[f])
	}
	b.WriteString("})();\n")
	return b.String(), nil
}

// preludeJS carries the idempotency guard, the seeded PRNG mirrored by
// noise.go, and the property-definition helper. All overrides install
// non-enumerable, non-configurable descriptors so a naive delete cannot
// restore the defaults.
const preludeJS = `
if (window.__cfp === cfg.profileId) { return; }
try {
	Object.defineProperty(window, '__cfp', {
		value: cfg.profileId, enumerable: false, configurable: false, writable: false,
	});
} catch (e) { return; }

const fnv = (s) => {
	let h = 0x811c9dc5;
	for (let i = 0; i < s.length; i++) {
		h ^= s.charCodeAt(i);
		h = Math.imul(h, 0x01000193) >>> 0;
	}
	return h >>> 0;
};
const mulberry = (state) => () => {
	state = (state + 0x6d2b79f5) >>> 0;
	let t = Math.imul(state ^ (state >>> 15), state | 1);
	t = (t + Math.imul(t ^ (t >>> 7), t | 61)) ^ t;
	return ((t ^ (t >>> 14)) >>> 0) / 4294967296;
};
const def = (obj, name, value) => {
	try {
		Object.defineProperty(obj, name, {
			get: () => value, enumerable: false, configurable: false,
		});
	} catch (e) {}
};
`

var snippets = map[Flag]string{
	FlagWebdriverHide: `
def(Navigator.prototype, 'webdriver', false);
`,

	FlagNavigator: `
def(Navigator.prototype, 'platform', cfg.platform);
def(Navigator.prototype, 'vendor', cfg.vendor);
def(Navigator.prototype, 'hardwareConcurrency', cfg.hardwareConcurrency);
def(Navigator.prototype, 'deviceMemory', cfg.deviceMemory);
def(Navigator.prototype, 'language', cfg.languages[0]);
def(Navigator.prototype, 'languages', Object.freeze(cfg.languages.slice()));
def(Navigator.prototype, 'userAgent', cfg.userAgent);
`,

	FlagPlugins: `
{
	const mkPlugin = (name, filename, description) => {
		const p = Object.create(Plugin ? Plugin.prototype : Object.prototype);
		Object.defineProperties(p, {
			name: { get: () => name },
			filename: { get: () => filename },
			description: { get: () => description },
			length: { get: () => 1 },
		});
		return p;
	};
	const list = [
		mkPlugin('PDF Viewer', 'internal-pdf-viewer', 'Portable Document Format'),
		mkPlugin('Chrome PDF Viewer', 'internal-pdf-viewer', 'Portable Document Format'),
		mkPlugin('Chromium PDF Viewer', 'internal-pdf-viewer', 'Portable Document Format'),
	];
	const plugins = Object.create(PluginArray ? PluginArray.prototype : Object.prototype);
	list.forEach((p, i) => Object.defineProperty(plugins, i, { get: () => p }));
	Object.defineProperties(plugins, {
		length: { get: () => list.length },
		item: { value: (i) => list[i] || null },
		namedItem: { value: (n) => list.find((p) => p.name === n) || null },
		refresh: { value: () => {} },
		[Symbol.iterator]: { value: function* () { yield* list; } },
	});
	def(Navigator.prototype, 'plugins', plugins);
}
`,

	FlagScreen: `
def(Screen.prototype, 'width', cfg.screenWidth);
def(Screen.prototype, 'height', cfg.screenHeight);
def(Screen.prototype, 'availWidth', cfg.screenWidth);
def(Screen.prototype, 'availHeight', cfg.screenHeight);
def(Screen.prototype, 'colorDepth', cfg.colorDepth);
def(Screen.prototype, 'pixelDepth', cfg.colorDepth);
def(window, 'devicePixelRatio', cfg.pixelRatio);
`,

	FlagWebGL: `
{
	const UNMASKED_VENDOR = 0x9245, UNMASKED_RENDERER = 0x9246;
	for (const name of ['WebGLRenderingContext', 'WebGL2RenderingContext']) {
		const ctx = window[name];
		if (!ctx || !ctx.prototype) continue;
		const orig = ctx.prototype.getParameter;
		if (typeof orig !== 'function' || orig.__cfpWrapped) continue;
		const wrapped = function (param) {
			if (param === UNMASKED_VENDOR) return cfg.webglVendor;
			if (param === UNMASKED_RENDERER) return cfg.webglRenderer;
			return orig.call(this, param);
		};
		wrapped.__cfpWrapped = true;
		Object.defineProperty(ctx.prototype, 'getParameter', {
			value: wrapped, enumerable: false, configurable: false, writable: false,
		});
	}
}
`,

	FlagCanvas: `
{
	const perturb = (data, width, height) => {
		const next = mulberry(fnv(cfg.profileId + ':' + width + 'x' + height));
		for (let i = 0; i < data.length; i += 4) {
			for (let c = 0; c < 3; c++) {
				const d = Math.floor(next() * 3) - 1;
				data[i + c] = Math.max(0, Math.min(255, data[i + c] + d));
			}
		}
	};
	const origGetImageData = CanvasRenderingContext2D.prototype.getImageData;
	if (!origGetImageData.__cfpWrapped) {
		const wrappedGet = function (...args) {
			const image = origGetImageData.apply(this, args);
			perturb(image.data, this.canvas.width, this.canvas.height);
			return image;
		};
		wrappedGet.__cfpWrapped = true;
		Object.defineProperty(CanvasRenderingContext2D.prototype, 'getImageData', {
			value: wrappedGet, enumerable: false, configurable: false, writable: false,
		});
	}
	const origToDataURL = HTMLCanvasElement.prototype.toDataURL;
	if (!origToDataURL.__cfpWrapped) {
		const wrappedURL = function (...args) {
			const ctx = origGetImageData && this.getContext && this.getContext('2d');
			if (ctx && this.width > 0 && this.height > 0) {
				const image = origGetImageData.call(ctx, 0, 0, this.width, this.height);
				perturb(image.data, this.width, this.height);
				ctx.putImageData(image, 0, 0);
			}
			return origToDataURL.apply(this, args);
		};
		wrappedURL.__cfpWrapped = true;
		Object.defineProperty(HTMLCanvasElement.prototype, 'toDataURL', {
			value: wrappedURL, enumerable: false, configurable: false, writable: false,
		});
	}
}
`,

	FlagAudio: `
{
	if (window.AudioBuffer && !AudioBuffer.prototype.getChannelData.__cfpWrapped) {
		const orig = AudioBuffer.prototype.getChannelData;
		const wrapped = function (channel) {
			const data = orig.call(this, channel);
			if (!data.__cfpJittered) {
				const next = mulberry(fnv(cfg.profileId + ':audio:' + data.length));
				for (let i = 0; i < data.length; i++) {
					data[i] += (next() * 2 - 1) * 1e-7;
				}
				try {
					Object.defineProperty(data, '__cfpJittered', { value: true, enumerable: false });
				} catch (e) {}
			}
			return data;
		};
		wrapped.__cfpWrapped = true;
		Object.defineProperty(AudioBuffer.prototype, 'getChannelData', {
			value: wrapped, enumerable: false, configurable: false, writable: false,
		});
	}
}
`,
}
