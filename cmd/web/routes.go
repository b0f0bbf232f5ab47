package main

import (
	"net/http"

	"github.com/justinas/alice"
	"github.com/opendx-health/opendx/ui"
)

func (app *application) routes() http.Handler {
	mux := http.NewServeMux()

	fileServer := http.FileServer(http.FS(ui.Static))
	mux.Handle("GET /static/", cacheForeverHeaders(fileServer))

	session := alice.New(app.sessionManager.LoadAndSave, noSurf, app.authenticate, commonContext)
	mux.Handle("GET /{$}", session.ThenFunc(app.home))
	mux.Handle("GET /cases/{caseID}", session.ThenFunc(app.casePage))
	mux.Handle("GET /login", session.ThenFunc(app.loginPage))
	mux.Handle("POST /login", session.ThenFunc(app.login))
	mux.Handle("POST /logout", session.ThenFunc(app.logout))

	api := alice.New(app.bearerAuth)
	mux.Handle("POST /api/cases/stream", api.ThenFunc(app.submitCaseStream))
	mux.Handle("GET /api/cases/{caseID}/stream", api.ThenFunc(app.reattachCaseStream))
	mux.Handle("GET /api/cases", api.ThenFunc(app.listCases))
	mux.Handle("GET /api/cases/{caseID}", api.ThenFunc(app.showCase))

	mux.HandleFunc("GET /api/healthy", app.healthy)

	return app.recoverPanic(app.logRequest(secureHeaders(mux)))
}
