package roster

// Request binding: JSON bodies and query parameters are decoded into structs and
// checked with go-playground/validator struct tags. Failures are recorded with
// SetError so handlers can simply return.

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validate   *validator.Validate
	validateMu sync.RWMutex
)

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())

	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		if name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]; name != "" && name != "-" {
			return name
		}
		if name := strings.SplitN(fld.Tag.Get("query"), ",", 2)[0]; name != "" && name != "-" {
			return name
		}
		return fld.Name
	})
}

func fieldMessage(tag, param string) string {
	switch tag {
	case "required":
		return "required"
	case "min":
		return "must be at least " + param
	case "max":
		return "must be at most " + param
	case "oneof":
		return "must be one of: " + param
	default:
		if param != "" {
			return tag + "=" + param
		}
		return tag
	}
}

// JSON decodes the request body into dest and validates it. It reports whether both
// steps succeeded; on failure the error response is already recorded.
//
// A body cut short by MaxBodySize yields 413. An empty body, malformed JSON or
// trailing data yield 400.
func JSON(r *http.Request, dest any) bool {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dest); err != nil {
		var maxBytesErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxBytesErr):
			SetError(r, ErrPayloadTooLarge.With("Request body too large"))
		case errors.Is(err, io.EOF):
			SetError(r, ErrBadRequest.With("Request body is required"))
		default:
			SetError(r, ErrBadRequest.With("Invalid JSON request body"))
		}
		return false
	}
	if dec.More() {
		SetError(r, ErrBadRequest.With("Invalid JSON request body"))
		return false
	}

	return check(r, dest)
}

// Query decodes query parameters into the `query`-tagged fields of dest and
// validates it.
func Query(r *http.Request, dest any) bool {
	if err := decodeQuery(r, dest); err != nil {
		SetError(r, ErrBadRequest.With("Invalid query parameters: "+err.Error()))
		return false
	}
	return check(r, dest)
}

func check(r *http.Request, dest any) bool {
	validateMu.RLock()
	err := validate.Struct(dest)
	validateMu.RUnlock()

	if err != nil {
		SetError(r, NewValidationError(translateErrors(err)))
		return false
	}
	return true
}

// RegisterValidation registers a custom validation tag for JSON and Query.
// Call it at startup before serving requests.
func RegisterValidation(tag string, fn validator.Func) error {
	validateMu.Lock()
	defer validateMu.Unlock()
	return validate.RegisterValidation(tag, fn)
}

func translateErrors(err error) []FieldError {
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) {
		return []FieldError{{
			Code:    "validation",
			Message: err.Error(),
		}}
	}
	result := make([]FieldError, len(errs))
	for i, e := range errs {
		result[i] = FieldError{
			Param:   e.Field(),
			Code:    e.Tag(),
			Message: fieldMessage(e.Tag(), e.Param()),
		}
	}
	return result
}

func decodeQuery(r *http.Request, dest any) error {
	rv := reflect.ValueOf(dest)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return fmt.Errorf("dest must be non-nil pointer to struct")
	}
	v := rv.Elem()
	if v.Kind() != reflect.Struct {
		return fmt.Errorf("dest must be pointer to struct, got pointer to %s", v.Kind())
	}
	t := v.Type()
	query := r.URL.Query()

	for i := range t.NumField() {
		tag := t.Field(i).Tag.Get("query")
		if tag == "" || tag == "-" {
			continue
		}
		field := v.Field(i)
		if !field.CanSet() {
			continue
		}

		name := strings.SplitN(tag, ",", 2)[0]
		value := query.Get(name)
		if value == "" {
			continue
		}
		if err := setField(field, value); err != nil {
			return fmt.Errorf("invalid value for %s", name)
		}
	}
	return nil
}

func setField(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(value, 10, field.Type().Bits())
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	default:
		return fmt.Errorf("unsupported type: %s", field.Kind())
	}
	return nil
}
