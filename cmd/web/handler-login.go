package main

import (
	"net/http"

	"github.com/opendx-health/opendx/internal/errors"
)

type loginTemplateData struct {
	BaseTemplateData
	Error string
}

func (app *application) loginPage(w http.ResponseWriter, r *http.Request) {
	app.render(w, r, http.StatusOK, "login", loginTemplateData{
		BaseTemplateData: newBaseTemplateData(r),
	})
}

// login accepts the identity provider's bearer token through a form and
// binds the verified subject to the session.
func (app *application) login(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		app.clientError(w, r, http.StatusBadRequest)
		return
	}

	claims, err := app.verifier.Verify(r.PostForm.Get("token"))
	if err != nil {
		app.logger.Debug("login rejected", "error", err.Error())
		app.render(w, r, http.StatusUnprocessableEntity, "login", loginTemplateData{
			BaseTemplateData: newBaseTemplateData(r),
			Error:            "That token was not accepted. Please paste a current one.",
		})
		return
	}

	// Renew the session token on privilege change.
	if err = app.sessionManager.RenewToken(r.Context()); err != nil {
		app.serverError(w, r, errors.Wrap(err, "renew session token"))
		return
	}
	app.sessionManager.Put(r.Context(), "userID", claims.Subject)

	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (app *application) logout(w http.ResponseWriter, r *http.Request) {
	if err := app.sessionManager.Destroy(r.Context()); err != nil {
		app.serverError(w, r, errors.Wrap(err, "destroy session"))
		return
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}
