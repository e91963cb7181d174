package api

import (
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/phrazzld/genpipe/internal/api/shared"
	"github.com/phrazzld/genpipe/internal/domain"
	"github.com/phrazzld/genpipe/internal/service"
)

// MapErrorToStatusCode maps service errors to HTTP status codes.
func MapErrorToStatusCode(err error) int {
	var verrs validator.ValidationErrors
	switch {
	case errors.Is(err, domain.ErrValidation), errors.As(err, &verrs):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrInsufficientCredits):
		return http.StatusPaymentRequired
	case errors.Is(err, service.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrTaskTerminal),
		errors.Is(err, domain.ErrDuplicateSubmission):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// GetSafeErrorMessage returns a client-facing message for err.
func GetSafeErrorMessage(err error) string {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		if verr.Field == "" {
			return verr.Message
		}
		return verr.Field + " " + verr.Message
	case errors.Is(err, domain.ErrValidation):
		return "Validation error"
	case errors.Is(err, domain.ErrInsufficientCredits):
		return "Insufficient credits"
	case errors.Is(err, service.ErrTaskNotFound):
		return "Task not found"
	case errors.Is(err, domain.ErrTaskTerminal):
		return "Task is already finished"
	case errors.Is(err, domain.ErrDuplicateSubmission):
		return "A submission with this idempotency key is in progress"
	default:
		return "An unexpected error occurred"
	}
}

// SanitizeValidationError turns struct tag validation failures into a
// short message naming the JSON field.
func SanitizeValidationError(err error) (field, message string) {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "", "Validation error"
	}
	fe := verrs[0]
	field = jsonField(fe.Field())
	return field, field + " " + validationTagMessage(fe.Tag(), fe.Param())
}

// HandleAPIError writes the response for err. Server errors are logged
// with the redacted cause.
func HandleAPIError(w http.ResponseWriter, r *http.Request, err error) {
	status := MapErrorToStatusCode(err)

	var opts []shared.ResponseOption
	message := GetSafeErrorMessage(err)
	var verr *domain.ValidationError
	if errors.As(err, &verr) && verr.Field != "" {
		opts = append(opts, shared.WithField(verr.Field))
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		field, msg := SanitizeValidationError(err)
		message = msg
		opts = append(opts, shared.WithField(field))
	}

	shared.RespondWithErrorAndLog(w, r, status, message, err, opts...)
}

var jsonFields = map[string]string{
	"Prompt":      "prompt",
	"Scene":       "scene",
	"Style":       "style",
	"Tier":        "tier",
	"AspectRatio": "aspect_ratio",
	"AssetRefs":   "asset_refs",
	"Count":       "count",
}

func jsonField(name string) string {
	for i := 0; i < len(name); i++ {
		if name[i] == '[' {
			name = name[:i]
			break
		}
	}
	if f, ok := jsonFields[name]; ok {
		return f
	}
	return name
}

func validationTagMessage(tag, param string) string {
	switch tag {
	case "required":
		return "is required"
	case "max":
		return "exceeds the maximum of " + param
	case "gte":
		return "must be at least " + param
	case "oneof":
		return "must be one of: " + param
	default:
		return "is invalid"
	}
}
