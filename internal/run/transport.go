package run

import (
	"strings"

	"github.com/google/uuid"

	"github.com/ahmethakanbesel/priceload/internal/apperror"
	"github.com/ahmethakanbesel/priceload/internal/price"
)

type SubmitRunRequest struct {
	Instrument string `json:"instrument"`
	Source     string `json:"source"`
}

func (r SubmitRunRequest) Validate() *apperror.AppError {
	if strings.TrimSpace(r.Source) == "" {
		return apperror.New(apperror.BadRequest, "source is required")
	}
	if _, err := price.NormalizeInstrument(r.Instrument); err != nil {
		return apperror.New(apperror.BadRequest, err.Error())
	}
	return nil
}

type GetRunRequest struct {
	ID string
}

func (r GetRunRequest) Validate() *apperror.AppError {
	if _, err := uuid.Parse(r.ID); err != nil {
		return apperror.New(apperror.BadRequest, "invalid run id")
	}
	return nil
}

type ListRunsRequest struct {
	Instrument string
}

func (r ListRunsRequest) Validate() *apperror.AppError {
	if r.Instrument == "" {
		return nil
	}
	if _, err := price.NormalizeInstrument(r.Instrument); err != nil {
		return apperror.New(apperror.BadRequest, err.Error())
	}
	return nil
}
