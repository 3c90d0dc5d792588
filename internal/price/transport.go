package price

import (
	"time"

	"github.com/ahmethakanbesel/priceload/internal/apperror"
)

type GetPricesRequest struct {
	Instrument string
	StartDate  time.Time
	EndDate    time.Time
	Format     string // "json" or "csv"
}

func (r GetPricesRequest) Validate() *apperror.AppError {
	if _, err := NormalizeInstrument(r.Instrument); err != nil {
		return apperror.New(apperror.BadRequest, err.Error())
	}
	if !r.EndDate.IsZero() && !r.StartDate.IsZero() && r.EndDate.Before(r.StartDate) {
		return apperror.New(apperror.BadRequest, "endDate must be after startDate")
	}
	if r.Format != "" && r.Format != "json" && r.Format != "csv" {
		return apperror.New(apperror.BadRequest, "format must be json or csv")
	}
	return nil
}

type GetPricesResponse struct {
	Instrument string   `json:"instrument"`
	Prices     []Record `json:"prices"`
}

type GetStatsRequest struct {
	Instrument string
}

func (r GetStatsRequest) Validate() *apperror.AppError {
	if _, err := NormalizeInstrument(r.Instrument); err != nil {
		return apperror.New(apperror.BadRequest, err.Error())
	}
	return nil
}
