package main

import (
	httpapi "telemetry-service/app/src/api/http"
	"telemetry-service/app/src/core"
	"telemetry-service/app/src/infra"
	"telemetry-service/app/src/logstore"
	"telemetry-service/app/src/network"
)

type application struct {
	Config infra.Config
	Logger *infra.Logger
	Buffer *core.Buffer
	Store  *logstore.Logger
	Ingest *network.Server
	HTTP   *httpapi.Server
}

func newApplication(cfg infra.Config, logger *infra.Logger, buffer *core.Buffer, store *logstore.Logger, ingest *network.Server, httpServer *httpapi.Server) *application {
	return &application{
		Config: cfg,
		Logger: logger,
		Buffer: buffer,
		Store:  store,
		Ingest: ingest,
		HTTP:   httpServer,
	}
}

func assembleApplication(app *application, cleanup func()) (*application, func(), error) {
	if cleanup == nil {
		cleanup = func() {}
	}
	return app, cleanup, nil
}
