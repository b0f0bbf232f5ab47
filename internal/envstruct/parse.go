package envstruct

import (
	"log/slog"
	"reflect"

	"github.com/opendx-health/opendx/internal/errors"
)

var (
	ErrEnvNotSet    = errors.NewSentinel("environment variable not set")
	ErrInvalidValue = errors.NewSentinel("v must be a pointer to a struct")
)

// Populate fills the string fields of the pointed-to struct v from the
// environment.
//
// lookupEnv has the same signature as [os.LookupEnv] so tests can inject
// their own environment. Fields are tagged `env:"ENV_VAR"`; when the variable
// is unset the `envDefault:"value"` tag is used, and if neither is available
// ErrEnvNotSet is returned.
func Populate(v any, lookupEnv func(string) (string, bool)) error {
	ptr := reflect.ValueOf(v)
	if ptr.Kind() != reflect.Ptr {
		return errors.Wrap(ErrInvalidValue, "not a pointer")
	}
	ref := ptr.Elem()
	if ref.Kind() != reflect.Struct {
		return errors.Wrap(ErrInvalidValue, "not a struct")
	}

	refType := ref.Type()
	var errorList []error

	for i := range refType.NumField() {
		field := ref.Field(i)
		typeField := refType.Field(i)

		name, ok := typeField.Tag.Lookup("env")
		if !ok {
			continue
		}

		if !field.CanSet() || field.Kind() != reflect.String {
			errorList = append(errorList, errors.Wrap(ErrInvalidValue, "field must be a settable string",
				slog.String("envVarName", name),
				slog.String("fieldName", typeField.Name)))
			continue
		}

		value, ok := lookupEnv(name)
		if !ok {
			if value, ok = typeField.Tag.Lookup("envDefault"); !ok {
				errorList = append(errorList, errors.Wrap(ErrEnvNotSet, "no value or default",
					slog.String("envVarName", name)))
				continue
			}
		}
		field.SetString(value)
	}

	if len(errorList) != 0 {
		return errors.Join(errorList...)
	}
	return nil
}
