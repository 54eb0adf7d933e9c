package handlers

import (
	"net/http"

	"github.com/iwangbowen/simple-scp/internal/config"
	"github.com/iwangbowen/simple-scp/internal/database"
)

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	storeStatus := "connected"
	if config.Cfg.StoreBackend == "sqlite" {
		storeStatus = "disconnected"
		if database.DB != nil {
			sqlDB, err := database.DB.DB()
			if err == nil {
				if err := sqlDB.PingContext(r.Context()); err == nil {
					storeStatus = "connected"
				}
			}
		}
	}

	poolStatus := "stopped"
	var active, idle int
	if Pool != nil {
		poolStatus = "running"
		s := Pool.Status()
		active, idle = s.Active, s.Idle
	}

	status := "healthy"
	if storeStatus != "connected" || Pool == nil {
		status = "unhealthy"
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":       status,
		"store":        storeStatus,
		"storeBackend": config.Cfg.StoreBackend,
		"pool":         poolStatus,
		"poolActive":   active,
		"poolIdle":     idle,
	})
}
