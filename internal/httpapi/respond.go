// payment-core/internal/httpapi/respond.go
package httpapi

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	errs "github.com/example/payment-core/pkg/errors"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func errorPayload(err error) errorBody {
	e, ok := errs.As(err)
	if !ok || e.Kind == errs.KindInternal {
		return errorBody{Error: errorDetail{Code: "internal", Message: "internal error"}}
	}
	return errorBody{Error: errorDetail{Code: e.Code, Message: e.Message}}
}

// writeError maps err to its status and renders {error:{code,message}}.
// Internal details are logged, never returned.
func writeError(w http.ResponseWriter, log *zap.Logger, err error) {
	kind := errs.KindOf(err)
	status := errs.HTTPStatus(kind)
	if status >= http.StatusInternalServerError {
		log.Error("request failed", zap.String("code", errs.CodeOf(err)), zap.Error(err))
	}
	writeJSON(w, status, errorPayload(err))
}
