package controller

import (
	"errors"
	"log/slog"
	"net/http"

	"climalog/internal/modules/climate/repository"
	"climalog/internal/modules/climate/service"
	"climalog/internal/modules/climate/types"
	"climalog/internal/utils"
)

func (c *climateControllerImpl) handleSources(w http.ResponseWriter, r *http.Request) {
	utils.WriteJSON(w, http.StatusOK, c.poller.Status())
}

func (c *climateControllerImpl) handleReadings(w http.ResponseWriter, r *http.Request) {
	source, ok := sourceParam(w, r)
	if !ok {
		return
	}

	opts, err := parseReadingsQuery(r, c.location)
	if err != nil {
		utils.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	rows, err := c.repository.Read(r.Context(), source, opts)
	if err != nil {
		if errors.Is(err, repository.ErrUnknownSource) {
			utils.WriteError(w, http.StatusNotFound, "unknown source")
			return
		}
		slog.Error("read readings failed", "source", source, "error", err)
		utils.WriteError(w, http.StatusInternalServerError, "failed to read readings")
		return
	}
	utils.WriteJSON(w, http.StatusOK, rows)
}

func (c *climateControllerImpl) handlePollAll(w http.ResponseWriter, r *http.Request) {
	results := c.poller.PollOnce(r.Context())
	status := http.StatusOK
	for _, res := range results {
		if !res.OK() {
			status = http.StatusBadGateway
			break
		}
	}
	utils.WriteJSON(w, status, results)
}

func (c *climateControllerImpl) handlePollSource(w http.ResponseWriter, r *http.Request) {
	source, ok := sourceParam(w, r)
	if !ok {
		return
	}

	res, err := c.poller.PollSource(r.Context(), source)
	if err != nil {
		if errors.Is(err, service.ErrUnknownSource) {
			utils.WriteError(w, http.StatusNotFound, "unknown source")
			return
		}
		utils.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	switch {
	case res.OK():
		utils.WriteJSON(w, http.StatusOK, res)
	case errors.Is(res.Err, service.ErrBusy):
		utils.WriteJSON(w, http.StatusConflict, res)
	default:
		utils.WriteJSON(w, http.StatusBadGateway, res)
	}
}

func sourceParam(w http.ResponseWriter, r *http.Request) (types.Source, bool) {
	source := types.Source(r.PathValue("source"))
	if !source.Valid() {
		utils.WriteError(w, http.StatusBadRequest, "invalid source name")
		return "", false
	}
	return source, true
}
