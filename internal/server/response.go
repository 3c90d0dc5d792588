package server

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/ahmethakanbesel/priceload/internal/price"
)

type APIResponse[T any] struct {
	Message string `json:"message"`
	Data    T      `json:"data"`
}

func writeJSON[T any](w http.ResponseWriter, status int, data T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(APIResponse[T]{
		Message: "ok",
		Data:    data,
	})
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(APIResponse[string]{
		Message: message,
		Data:    "",
	})
}

// writeCSV writes records in the same column layout the loader accepts.
func writeCSV(w http.ResponseWriter, instrument string, prices []price.Record) {
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.csv", instrument))
	w.WriteHeader(http.StatusOK)

	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"Date", "Open", "High", "Low", "Close", "Volume"})
	for _, p := range prices {
		_ = cw.Write([]string{
			p.Date.Format(price.DateFormat),
			p.Open.String(),
			p.High.String(),
			p.Low.String(),
			p.Close.String(),
			strconv.FormatInt(p.Volume, 10),
		})
	}
	cw.Flush()
}
