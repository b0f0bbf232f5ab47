package main

import (
	"net/http"

	"github.com/opendx-health/opendx/internal/contexthelpers"
	"github.com/opendx-health/opendx/internal/errors"
	"github.com/opendx-health/opendx/internal/models"
	"github.com/opendx-health/opendx/internal/repositories"
)

type caseTemplateData struct {
	BaseTemplateData
	Case models.Case
}

// casePage renders the read-only case view. While the case is still
// processing, the page polls itself with htmx and this handler answers those
// polls with just the timeline fragment.
func (app *application) casePage(w http.ResponseWriter, r *http.Request) {
	if !contexthelpers.IsAuthenticated(r.Context()) {
		http.Redirect(w, r, "/login", http.StatusSeeOther)
		return
	}
	userID := contexthelpers.AuthenticatedUserID(r.Context())

	kase, err := app.cases.FullCase(r.Context(), r.PathValue("caseID"), userID)
	if err != nil {
		if errors.Is(err, repositories.ErrCaseNotFound) {
			app.notFound(w, r)
			return
		}
		app.serverError(w, r, err)
		return
	}

	data := caseTemplateData{
		BaseTemplateData: newBaseTemplateData(r),
		Case:             kase,
	}

	h := app.htmx.NewHandler(w, r)
	if h.IsHxRequest() {
		app.renderPartial(w, r, "case", "timeline", data)
		return
	}
	app.render(w, r, http.StatusOK, "case", data)
}

// renderPartial executes a named sub-template of a page without the base
// layout.
func (app *application) renderPartial(w http.ResponseWriter, r *http.Request, page string, name string, data any) {
	t, err := app.pageTemplate(page)
	if err != nil {
		app.serverError(w, r, err)
		return
	}
	if err = t.ExecuteTemplate(w, name, data); err != nil {
		app.serverError(w, r, err)
	}
}
