// Copyright 2025 Joseph Cumines
//
// Action parameter validation

package action

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// MaxLongPressMillis bounds longPress durationMs.
const MaxLongPressMillis = 60000

var paramValidate *validator.Validate

func init() {
	paramValidate = validator.New()
	paramValidate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
}

type setTextParams struct {
	Text *string `json:"text" validate:"required"`
}

type longPressParams struct {
	DurationMs *float64 `json:"durationMs" validate:"omitempty,gt=0,lte=60000"`
}

type scrollToVisibleParams struct {
	Animated *bool `json:"animated"`
}

// ValidateParameters checks parameters for kind and returns the normalized
// set handed to the executor. Unrecognized keys are dropped.
func ValidateParameters(kind Kind, params map[string]any) (map[string]any, error) {
	switch kind {
	case SetText:
		var p setTextParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return map[string]any{"text": *p.Text}, nil

	case LongPress:
		var p longPressParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		out := map[string]any{}
		if p.DurationMs != nil {
			out["durationMs"] = *p.DurationMs
		}
		return out, nil

	case ScrollToVisible:
		var p scrollToVisibleParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		out := map[string]any{}
		if p.Animated != nil {
			out["animated"] = *p.Animated
		}
		return out, nil

	case Tap, ClearText:
		return map[string]any{}, nil
	}
	return nil, fmt.Errorf("unknown action kind %q", kind)
}

func decodeParams(params map[string]any, dst any) error {
	if len(params) > 0 {
		b, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("parameters are not serializable: %w", err)
		}
		if err := json.Unmarshal(b, dst); err != nil {
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &typeErr) {
				return fmt.Errorf("parameter %s must be %s, got %s", typeErr.Field, typeErr.Type, typeErr.Value)
			}
			return err
		}
	}
	if err := paramValidate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, describeFieldError(fe))
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return err
	}
	return nil
}

func describeFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("parameter %s is required", fe.Field())
	case "gt":
		return fmt.Sprintf("parameter %s must be greater than %s", fe.Field(), fe.Param())
	case "lte":
		return fmt.Sprintf("parameter %s must be at most %s", fe.Field(), fe.Param())
	}
	return fmt.Sprintf("parameter %s failed %s", fe.Field(), fe.Tag())
}
