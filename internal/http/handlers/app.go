package handlers

import (
	"encoding/json"
	"net/http"

	"doodler/internal/infra"
	"doodler/internal/task"
)

// Generator is the slice of the correlation engine the handlers depend on.
type Generator interface {
	Generate(taskID, action string)
}

// App bundles the handlers' dependencies, injected once at startup.
type App struct {
	Registry *task.Registry
	Engine   Generator
	Logger   infra.Logger
}

// NewApp constructs the handler container.
func NewApp(registry *task.Registry, engine Generator, logger infra.Logger) *App {
	return &App{Registry: registry, Engine: engine, Logger: logger}
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
