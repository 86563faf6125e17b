package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"

	"github.com/netreg-cloud/netreg/pkg/registry"
	"github.com/netreg-cloud/netreg/pkg/util"
	"github.com/netreg-cloud/netreg/pkg/validate"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			util.Errorf("encoding response: %v", err)
		}
	}
}

// writeEtagJSON adds the record's ETag before the body.
func writeEtagJSON(w http.ResponseWriter, status int, etag string, v interface{}) {
	if etag != "" {
		w.Header().Set("Etag", etag)
	}
	writeJSON(w, status, v)
}

// errorBody is the wire form of every error response.
type errorBody struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Errors  []util.FieldError `json:"errors,omitempty"`
}

// writeError maps an engine error onto its status code and wire form.
func writeError(w http.ResponseWriter, err error) {
	var invalid *util.InvalidParamsError
	var inUse *util.InUseError
	var precond *util.PreconditionFailedError
	var poolErr *registry.PoolConstraintError

	switch {
	case errors.Is(err, util.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{
			Code:    "ResourceNotFound",
			Message: err.Error(),
		})
	case errors.As(err, &precond):
		writeJSON(w, http.StatusPreconditionFailed, errorBody{
			Code:    "PreconditionFailed",
			Message: err.Error(),
		})
	case errors.As(err, &poolErr):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{
			Code:    poolErr.Code,
			Message: err.Error(),
		})
	case errors.As(err, &invalid):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{
			Code:    "InvalidParameters",
			Message: "Invalid parameters",
			Errors:  invalid.Errors,
		})
	case errors.As(err, &inUse):
		fields := make([]util.FieldError, 0, 1)
		fields = append(fields, util.FieldError{
			Field:   "uuid",
			Code:    util.CodeUsedBy,
			Message: err.Error(),
			UsedBy:  inUse.UsedBy,
		})
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{
			Code:    "InUse",
			Message: err.Error(),
			Errors:  fields,
		})
	case errors.Is(err, util.ErrSubnetFull):
		writeJSON(w, http.StatusInsufficientStorage, errorBody{
			Code:    "SubnetFull",
			Message: err.Error(),
		})
	default:
		util.Errorf("internal error: %v", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{
			Code:    "InternalError",
			Message: "Internal error",
		})
	}
}

// readParams merges the JSON body and query string into one raw parameter
// map. Query values arrive as bare strings.
func readParams(r *http.Request) (validate.Params, error) {
	p := validate.Params{}
	if r.Body != nil {
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			return nil, err
		}
		if len(body) > 0 {
			if err := json.Unmarshal(body, &p); err != nil {
				return nil, util.NewInvalidParamsError(
					util.InvalidParam("body", "request body must be a JSON object"))
			}
		}
	}
	mergeQuery(p, r.URL.Query())
	return p, nil
}

// queryParams reads only the query string.
func queryParams(r *http.Request) validate.Params {
	p := validate.Params{}
	mergeQuery(p, r.URL.Query())
	return p
}

func mergeQuery(p validate.Params, q url.Values) {
	for key, vals := range q {
		if len(vals) == 0 {
			continue
		}
		if len(vals) > 1 {
			b, _ := json.Marshal(vals)
			p[key] = b
			continue
		}
		p[key] = json.RawMessage(vals[0])
	}
}

func strField(p validate.Params, field string) string {
	raw, ok := p[field]
	if !ok {
		return ""
	}
	s, _ := validate.String(raw)
	return s
}

func intField(p validate.Params, field string) (int, bool) {
	raw, ok := p[field]
	if !ok {
		return 0, false
	}
	n, ok := validate.Int(raw)
	return int(n), ok
}

func boolField(p validate.Params, field string) (bool, bool) {
	raw, ok := p[field]
	if !ok {
		return false, false
	}
	return validate.Bool(raw)
}

func strsField(p validate.Params, field string) ([]string, bool) {
	raw, ok := p[field]
	if !ok {
		return nil, false
	}
	return validate.Strings(raw)
}

// window pulls the validated limit/offset pair.
func window(p validate.Params) (limit, offset int) {
	limit, _ = intField(p, "limit")
	offset, _ = intField(p, "offset")
	return limit, offset
}
