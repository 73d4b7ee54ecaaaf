package validation

import (
	"errors"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/rendis/signflow/pkg/schema"
)

var inputs = sync.OnceValue(func() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
})

// Struct checks the `validate` tags of an API input such as a webhook
// registration or an approval response.
func Struct(v any) error {
	err := inputs().Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return schema.NewError(schema.ErrCodeValidation, err.Error()).WithCause(err)
	}

	result := &schema.ValidationResult{}
	for _, fe := range fieldErrs {
		if fe.Param() != "" {
			result.AddError(fe.Namespace(), "failed %s=%s", fe.Tag(), fe.Param())
		} else {
			result.AddError(fe.Namespace(), "failed %s", fe.Tag())
		}
	}
	msgs := make([]string, 0, len(result.Errors))
	for _, issue := range result.Errors {
		msgs = append(msgs, issue.String())
	}
	return schema.NewError(schema.ErrCodeValidation, "invalid input: "+strings.Join(msgs, "; ")).
		WithDetails(map[string]any{"errors": result.Errors})
}
