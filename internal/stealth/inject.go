package stealth

import (
	"context"

	cdpruntime "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/page"
	"github.com/sirupsen/logrus"

	"github.com/sbilly/chaser/internal/errs"
)

// Injector installs profile overrides into pages. The script must be
// registered before the page's first navigation so it runs ahead of any
// page script in every frame.
type Injector struct {
	logger logrus.FieldLogger
}

// NewInjector returns an Injector.
func NewInjector(logger logrus.FieldLogger) *Injector {
	return &Injector{logger: logger}
}

// Apply builds the profile's script, registers it on the page session
// and installs the user-agent and timezone overrides. It returns the
// script identifier so the injection can be removed on profile swap.
func (i *Injector) Apply(ctx context.Context, exec cdpruntime.Executor, p *Profile) (page.ScriptIdentifier, error) {
	src, err := BuildScript(p)
	if err != nil {
		return "", err
	}
	ectx := cdpruntime.WithExecutor(ctx, exec)

	id, err := page.AddScriptToEvaluateOnNewDocument(src).Do(ectx)
	if err != nil {
		return "", err
	}

	if p.hasFlag(FlagNavigator) {
		if err := emulation.SetUserAgentOverride(p.Fingerprint.UserAgent).
			WithPlatform(p.Fingerprint.Platform).
			Do(ectx); err != nil {
			return id, err
		}
	}
	if p.Fingerprint.Timezone != "" {
		if err := emulation.SetTimezoneOverride(p.Fingerprint.Timezone).Do(ectx); err != nil {
			// Chromium rejects unknown zone ids; the rest of the profile
			// still applies.
			i.logger.WithError(err).WithField("timezone", p.Fingerprint.Timezone).
				Warn("timezone override rejected")
		}
	}

	i.logger.WithFields(logrus.Fields{
		"profile_id": p.ID,
		"profile":    p.Name,
	}).Debug("stealth profile applied")
	return id, nil
}

// Remove unregisters a previously applied script. The page needs a
// reload before the removal is observable.
func (i *Injector) Remove(ctx context.Context, exec cdpruntime.Executor, id page.ScriptIdentifier) error {
	if id == "" {
		return errs.New(errs.CodeInvalidArgument, "empty script identifier")
	}
	return page.RemoveScriptToEvaluateOnNewDocument(id).Do(cdpruntime.WithExecutor(ctx, exec))
}
