package portal

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"pisowifi/pkg/render"
	"pisowifi/services/identity"
	"pisowifi/services/rates"
	"pisowifi/services/sessions"
	"pisowifi/services/settings"
)

const documentTemplate = "portal.html.tmpl"

// TemplateDocument renders the embedded portal template.
type TemplateDocument struct {
	engine   *render.Engine
	settings *settings.Repository
	rates    rates.Catalog
	logger   zerolog.Logger
}

func NewTemplateDocument(engine *render.Engine, repo *settings.Repository, catalog rates.Catalog, logger zerolog.Logger) (*TemplateDocument, error) {
	if engine == nil {
		return nil, errors.New("portal: render engine is required")
	}
	if catalog == nil {
		catalog = rates.Static(nil)
	}
	return &TemplateDocument{engine: engine, settings: repo, rates: catalog, logger: logger}, nil
}

type documentData struct {
	Name    string
	IP      string
	MAC     string
	Session *sessions.Session
	Rates   []rates.Rate
}

func (d *TemplateDocument) Render(ctx context.Context, client identity.Client, sess *sessions.Session) (string, error) {
	data := documentData{Name: settings.DefaultPortalName, IP: client.IP, MAC: client.MAC, Session: sess}
	if d.settings != nil {
		name, err := d.settings.PortalName(ctx)
		if err != nil {
			d.logger.Warn().Err(err).Msg("portal name unavailable")
		} else {
			data.Name = name
		}
	}
	plans, err := d.rates.Rates(ctx)
	if err != nil {
		d.logger.Warn().Err(err).Msg("rates unavailable")
	}
	data.Rates = plans
	return d.engine.Render(documentTemplate, data)
}
