package registry

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Limits on user fields.
const (
	NameMinLength = 3
	NameMaxLength = 15
	MaxTags       = 3
	TagMaxLength  = 10
)

// Validation failure codes.
const (
	CodeInvalidName  = "invalid_name"
	CodeTooManyTags  = "too_many_tags"
	CodeDuplicateTag = "duplicate_tag"
	CodeEmptyTag     = "empty_tag"
	CodeTagTooLong   = "tag_too_long"
)

// User is a registered entity.
type User struct {
	Name       string     `json:"name" validate:"username"`
	Tags       []string   `json:"tags" validate:"max=3,unique,dive,required,max=10"`
	CreatedAt  time.Time  `json:"created_at"`
	LastActive *time.Time `json:"last_active,omitempty"`
}

// activeAt is the time the sweeper compares against; a user that was never touched
// counts as inactive since the epoch.
func (u User) activeAt() time.Time {
	if u.LastActive == nil {
		return time.Unix(0, 0)
	}
	return *u.LastActive
}

// ValidationError describes the first invariant a user or tag list violates.
type ValidationError struct {
	Code    string
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("registry: %s: %s", e.Field, e.Message)
}

var nameRE = regexp.MustCompile(`^[a-z0-9_]{3,15}$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		if name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]; name != "" && name != "-" {
			return name
		}
		return fld.Name
	})
	if err := v.RegisterValidation("username", func(fl validator.FieldLevel) bool {
		return nameRE.MatchString(fl.Field().String())
	}); err != nil {
		panic(err)
	}
	return v
}

// NormalizeName lower-cases and trims a user name.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// ValidateName reports whether name, after normalization, is a legal user name.
func ValidateName(name string) error {
	if !nameRE.MatchString(NormalizeName(name)) {
		return &ValidationError{
			Code:    CodeInvalidName,
			Field:   "name",
			Message: fmt.Sprintf("must be %d-%d characters of letters, digits or underscore", NameMinLength, NameMaxLength),
		}
	}
	return nil
}

// ValidateTags checks the tag invariants. Each violated invariant has its own code.
func ValidateTags(tags []string) error {
	return translate(validate.Struct(User{Name: "placeholder", Tags: tags}))
}

func validateUser(u User) error {
	return translate(validate.Struct(u))
}

func translate(err error) error {
	if err == nil {
		return nil
	}
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) || len(errs) == 0 {
		return &ValidationError{Code: "validation", Field: "", Message: err.Error()}
	}

	e := errs[0]
	field := e.Field()
	element := strings.HasSuffix(field, "]")
	switch {
	case e.Tag() == "username":
		return ValidateName(fmt.Sprint(e.Value()))
	case element && e.Tag() == "required":
		return &ValidationError{Code: CodeEmptyTag, Field: field, Message: "tag must not be empty"}
	case element && e.Tag() == "max":
		return &ValidationError{Code: CodeTagTooLong, Field: field, Message: fmt.Sprintf("tag must be at most %d characters", TagMaxLength)}
	case e.Tag() == "max":
		return &ValidationError{Code: CodeTooManyTags, Field: field, Message: fmt.Sprintf("at most %d tags allowed", MaxTags)}
	case e.Tag() == "unique":
		return &ValidationError{Code: CodeDuplicateTag, Field: field, Message: "tags must be unique"}
	default:
		return &ValidationError{Code: e.Tag(), Field: field, Message: e.Error()}
	}
}
