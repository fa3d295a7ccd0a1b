package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/angelmondragon/shopbilling/api/responses"
	"github.com/angelmondragon/shopbilling/pkg/config"
	pkgerrors "github.com/angelmondragon/shopbilling/pkg/errors"
	"github.com/angelmondragon/shopbilling/pkg/logger"
)

const readinessTimeout = 2 * time.Second

// Pinger is any dependency the readiness endpoint checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependency names a readiness check.
type Dependency struct {
	Name   string
	Pinger Pinger
}

func HealthLive(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Shopbilling-Env", cfg.App.Env)
		responses.WriteSuccess(w, map[string]string{"status": "live"})
	}
}

// HealthReady pings every configured dependency and reports 503 with the
// failing names when any check fails. Nil pingers are skipped.
func HealthReady(cfg *config.Config, logg *logger.Logger, deps ...Dependency) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Shopbilling-Env", cfg.App.Env)
		ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
		defer cancel()

		checks := map[string]string{}
		var failed bool
		for _, dep := range deps {
			if dep.Pinger == nil {
				continue
			}
			if err := dep.Pinger.Ping(ctx); err != nil {
				checks[dep.Name] = "unavailable"
				failed = true
				if logg != nil {
					logg.Warn(logg.WithFields(ctx, map[string]any{"dependency": dep.Name, "error": err.Error()}), "health.dependency_unavailable")
				}
				continue
			}
			checks[dep.Name] = "ok"
		}

		if failed {
			responses.WriteError(r.Context(), nil, w, pkgerrors.New(pkgerrors.CodeDependency, "dependencies unavailable").WithDetails(checks))
			return
		}
		responses.WriteSuccess(w, map[string]any{"status": "ready", "checks": checks})
	}
}
