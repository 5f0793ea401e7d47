package climate

import (
	"net/http"
	"time"

	"climalog/internal/modules/climate/controller"
	"climalog/internal/modules/climate/repository"
)

func RegisterFeature(mux *http.ServeMux, repo repository.ClimateRepository, poller controller.Poller, location *time.Location) {
	climateController := controller.NewClimateController(repo, poller, location)
	climateController.RegisterRoutes(mux)
}
