package driver

import (
	"context"

	"github.com/sbilly/chaser/internal/errs"
	"github.com/sbilly/chaser/internal/stealth"
)

// Profile returns a stealth profile by id.
func (d *Driver) Profile(id string) (*stealth.Profile, error) {
	return d.catalog.Get(id)
}

// PresetProfile returns a built-in preset by name.
func (d *Driver) PresetProfile(name string) (*stealth.Profile, error) {
	return d.catalog.Preset(name)
}

// RandomProfile draws a randomized profile into the catalog.
func (d *Driver) RandomProfile() *stealth.Profile {
	return d.catalog.Randomize()
}

// CreateProfile registers a caller-supplied fingerprint bundle.
func (d *Driver) CreateProfile(name string, fp stealth.Fingerprint, flags []stealth.Flag) (*stealth.Profile, error) {
	if fp.UserAgent == "" {
		return nil, errs.New(errs.CodeInvalidArgument, "userAgent must not be empty")
	}
	for _, f := range flags {
		switch f {
		case stealth.FlagNavigator, stealth.FlagScreen, stealth.FlagWebGL,
			stealth.FlagCanvas, stealth.FlagAudio, stealth.FlagWebdriverHide,
			stealth.FlagPlugins:
		default:
			return nil, errs.New(errs.CodeInvalidArgument, "unknown injection flag %q", f)
		}
	}
	return d.catalog.Add(name, fp, flags), nil
}

// BindProfile attaches a profile to a browser: every page created on it
// from now on gets the injection before its first navigation.
func (d *Driver) BindProfile(browserID, profileID string) error {
	b, err := d.registry.GetBrowser(browserID)
	if err != nil {
		return err
	}
	p, err := d.catalog.Get(profileID)
	if err != nil {
		return err
	}
	b.BindProfile(p)
	b.Touch()
	return nil
}

// ApplyProfile installs a profile onto an existing page. A page that
// already navigated gets the previous injections removed, the new one
// installed, and a reload so the overrides take effect.
func (d *Driver) ApplyProfile(ctx context.Context, pageID, profileID string) error {
	p, err := d.page(pageID)
	if err != nil {
		return err
	}
	prof, err := d.catalog.Get(profileID)
	if err != nil {
		return err
	}
	ctx, cancel := d.withDeadline(ctx)
	defer cancel()

	for _, scriptID := range p.TakeScriptIDs() {
		if err := d.injector.Remove(ctx, p.Executor(), scriptID); err != nil {
			d.logger.WithError(err).WithField("page_id", p.ID).
				Warn("removing previous stealth injection")
		}
	}

	scriptID, err := d.injector.Apply(ctx, p.Executor(), prof)
	if err != nil {
		return err
	}
	p.SetProfile(prof.ID, scriptID)

	if p.Navigated() {
		// Overrides only bind on the next document.
		return d.Reload(ctx, p.ID, WaitLoad)
	}
	return nil
}
