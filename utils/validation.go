package utils

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/upb/consent-ledger/models"
)

var validate = validator.New()

func init() {
	// Report fields by their JSON name so clients see the wire name
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})

	// decimal.Decimal is a struct, so required/gt cannot see its value
	validate.RegisterCustomTypeFunc(func(v reflect.Value) interface{} {
		if d, ok := v.Interface().(decimal.Decimal); ok {
			return d.String()
		}
		return nil
	}, decimal.Decimal{})

	_ = validate.RegisterValidation("amount", validateAmount)
	_ = validate.RegisterValidation("payout_method", validatePayoutMethod)
	_ = validate.RegisterValidation("currency", validateCurrency)
}

// validateAmount accepts strictly positive decimals with at most 8 fractional digits
func validateAmount(fl validator.FieldLevel) bool {
	raw := fl.Field().String()
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return false
	}
	return d.IsPositive() && -d.Exponent() <= 8
}

func validatePayoutMethod(fl validator.FieldLevel) bool {
	return models.PayoutMethod(fl.Field().String()).Valid()
}

// validateCurrency accepts ISO-4217 style three letter upper case codes
func validateCurrency(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	if len(s) != 3 {
		return false
	}
	for _, c := range s {
		if c < 'A' || c > 'Z' {
			return false
		}
	}
	return true
}

// fieldMessages renders one failed rule for the client. Rules without an
// entry fall back to naming the tag.
var fieldMessages = map[string]func(field, param string) string{
	"required": func(f, _ string) string { return f + " is required" },
	"uuid":     func(f, _ string) string { return f + " must be a valid UUID" },
	"amount":   func(f, _ string) string { return f + " must be a positive decimal" },
	"currency": func(f, _ string) string { return f + " must be a three letter currency code" },
	"payout_method": func(f, _ string) string {
		return f + " must be one of: " + strings.Join(payoutMethodNames(), ", ")
	},
	"gt":    func(f, p string) string { return f + " must be greater than " + p },
	"max":   func(f, p string) string { return f + " must be at most " + p },
	"oneof": func(f, p string) string { return f + " must be one of: " + strings.Join(strings.Fields(p), ", ") },
}

// ValidationError lists the failing request fields by JSON name
type ValidationError struct {
	Message string
	Fields  map[string]string
}

func (e *ValidationError) Error() string { return e.Message }

// ValidateStruct runs the validate tags of s and returns a *ValidationError
// when any rule fails
func ValidateStruct(s interface{}) error {
	err := validate.Struct(s)
	var failed validator.ValidationErrors
	if !errors.As(err, &failed) {
		return err
	}

	fields := make(map[string]string, len(failed))
	for _, fe := range failed {
		if render, ok := fieldMessages[fe.Tag()]; ok {
			fields[fe.Field()] = render(fe.Field(), fe.Param())
		} else {
			fields[fe.Field()] = fmt.Sprintf("%s failed the %s rule", fe.Field(), fe.Tag())
		}
	}
	return &ValidationError{Message: "Validation failed", Fields: fields}
}

func payoutMethodNames() []string {
	names := make([]string, len(models.PayoutMethods))
	for i, m := range models.PayoutMethods {
		names[i] = string(m)
	}
	return names
}

func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// GetValidationFields returns nil unless err is a *ValidationError
func GetValidationFields(err error) map[string]string {
	if ve := (*ValidationError)(nil); errors.As(err, &ve) {
		return ve.Fields
	}
	return nil
}

// ParseUUID parses s, naming field in the error
func ParseUUID(s, field string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%s must be a valid UUID", field)
	}
	return id, nil
}
