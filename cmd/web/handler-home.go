package main

import (
	"net/http"

	"github.com/opendx-health/opendx/internal/contexthelpers"
	"github.com/opendx-health/opendx/internal/models"
)

type homeTemplateData struct {
	BaseTemplateData
	Cases []models.CaseSummary
}

func (app *application) home(w http.ResponseWriter, r *http.Request) {
	data := homeTemplateData{
		BaseTemplateData: newBaseTemplateData(r),
	}

	if data.Authenticated {
		userID := contexthelpers.AuthenticatedUserID(r.Context())
		summaries, err := app.cases.Summaries(r.Context(), userID)
		if err != nil {
			app.serverError(w, r, err)
			return
		}
		data.Cases = summaries
	}

	app.render(w, r, http.StatusOK, "home", data)
}
