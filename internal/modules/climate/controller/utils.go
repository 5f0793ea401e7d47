package controller

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"climalog/internal/modules/climate/repository"
	"climalog/internal/utils"
)

const maxLookbackDays = 3650

func parseReadingsQuery(r *http.Request, loc *time.Location) (repository.ReadOptions, error) {
	q := r.URL.Query()
	var opts repository.ReadOptions

	if s := q.Get("days"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return repository.ReadOptions{}, errors.New("invalid 'days' (expected integer)")
		}
		if n <= 0 {
			return repository.ReadOptions{}, errors.New("'days' must be > 0")
		}
		if n > maxLookbackDays {
			return repository.ReadOptions{}, errors.New("'days' must be <= 3650")
		}
		opts.LookbackDays = n
	}

	if s := q.Get("not_before"); s != "" {
		t, err := utils.ParseTime(s, loc)
		if err != nil {
			return repository.ReadOptions{}, errors.New("invalid 'not_before' (expected YYYY-MM-DD or RFC3339)")
		}
		opts.NotBefore = t
	}

	return opts, nil
}
