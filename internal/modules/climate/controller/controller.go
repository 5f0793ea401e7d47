package controller

import (
	"context"
	"net/http"
	"time"

	"climalog/internal/modules/climate/repository"
	"climalog/internal/modules/climate/service"
	"climalog/internal/modules/climate/types"
)

// Poller is the part of service.Poller the HTTP surface drives.
type Poller interface {
	PollOnce(ctx context.Context) []service.Result
	PollSource(ctx context.Context, source types.Source) (service.Result, error)
	Status() []service.Status
}

type ClimateController interface {
	RegisterRoutes(mux *http.ServeMux)
}

type climateControllerImpl struct {
	repository repository.ClimateRepository
	poller     Poller
	location   *time.Location
}

func NewClimateController(repo repository.ClimateRepository, poller Poller, location *time.Location) ClimateController {
	if location == nil {
		location = time.UTC
	}
	return &climateControllerImpl{repository: repo, poller: poller, location: location}
}

func (c *climateControllerImpl) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/sources", c.handleSources)
	mux.HandleFunc("GET /api/v1/sources/{source}/readings", c.handleReadings)
	mux.HandleFunc("POST /api/v1/poll", c.handlePollAll)
	mux.HandleFunc("POST /api/v1/sources/{source}/poll", c.handlePollSource)
}
