package main

import (
	"net/http"

	"github.com/opendx-health/opendx/internal/contexthelpers"
	"github.com/opendx-health/opendx/internal/errors"
	"github.com/opendx-health/opendx/internal/models"
	"github.com/opendx-health/opendx/internal/repositories"
)

// listCases answers with the authenticated user's case summaries, most
// recently updated first.
func (app *application) listCases(w http.ResponseWriter, r *http.Request) {
	userID := contexthelpers.AuthenticatedUserID(r.Context())

	summaries, err := app.cases.Summaries(r.Context(), userID)
	if err != nil {
		app.serverError(w, r, err)
		return
	}
	if summaries == nil {
		summaries = []models.CaseSummary{}
	}
	app.writeJSON(w, r, http.StatusOK, summaries)
}

// showCase answers with the full case, messages and evidence included.
func (app *application) showCase(w http.ResponseWriter, r *http.Request) {
	userID := contexthelpers.AuthenticatedUserID(r.Context())

	kase, err := app.cases.FullCase(r.Context(), r.PathValue("caseID"), userID)
	if err != nil {
		if errors.Is(err, repositories.ErrCaseNotFound) {
			app.apiError(w, http.StatusNotFound, "case not found")
			return
		}
		app.serverError(w, r, err)
		return
	}
	app.writeJSON(w, r, http.StatusOK, kase)
}
