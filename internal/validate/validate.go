// Package validate wraps go-playground/validator so transport can
// answer schema violations as a map of json field paths to messages.
package validate

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

var messages = map[string]string{
	"required": "the field '%s' is required",
	"min":      "the field '%s' must be at least %s characters long",
	"max":      "the field '%s' must be no longer than %s characters",
	"url":      "the field '%s' must be a valid URL",
	"uuid4":    "the field '%s' must be a valid UUID",
	"oneof":    "the field '%s' must be one of %s",
}

// Struct validates s (a pointer to struct) and returns json-tag keyed
// error messages, empty when s is valid.
func Struct(s any) map[string]string {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return map[string]string{"body": err.Error()}
	}

	root := reflect.TypeOf(s)
	for root.Kind() == reflect.Pointer {
		root = root.Elem()
	}

	details := make(map[string]string, len(verrs))
	for _, e := range verrs {
		path := jsonPath(root, e.StructNamespace())
		details[path] = message(path, e)
	}

	return details
}

func message(path string, e validator.FieldError) string {
	msg, ok := messages[e.Tag()]
	if !ok {
		return fmt.Sprintf("the field '%s' is invalid: %s", path, e.Tag())
	}
	if strings.Count(msg, "%s") == 2 {
		return fmt.Sprintf(msg, path, e.Param())
	}
	return fmt.Sprintf(msg, path)
}

// jsonPath rewrites a validator struct namespace like
// "DispatchRequest.InputData.Text" into "inputData.text" using the
// json tags along the way. Slice indices are preserved.
func jsonPath(root reflect.Type, namespace string) string {
	parts := strings.Split(namespace, ".")
	if len(parts) > 0 {
		parts = parts[1:] // drop the root struct name
	}

	t := root
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		name, index := part, ""
		if i := strings.IndexByte(part, '['); i >= 0 {
			name, index = part[:i], part[i:]
		}

		if t == nil || t.Kind() != reflect.Struct {
			out = append(out, name+index)
			continue
		}

		field, ok := t.FieldByName(name)
		if !ok {
			out = append(out, name+index)
			t = nil
			continue
		}

		tag := strings.Split(field.Tag.Get("json"), ",")[0]
		if tag == "" || tag == "-" {
			tag = name
		}
		out = append(out, tag+index)

		ft := field.Type
		for ft.Kind() == reflect.Pointer || ft.Kind() == reflect.Slice ||
			ft.Kind() == reflect.Array || ft.Kind() == reflect.Map {
			ft = ft.Elem()
		}
		t = ft
	}

	return strings.Join(out, ".")
}
