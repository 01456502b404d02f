package configtest

import (
	"fmt"
	"reflect"
	"slices"
	"strings"
	"time"

	"go.uber.org/multierr"
)

var durationType = reflect.TypeOf(time.Duration(0))

// CheckYAMLTags reports exported fields of the given config sections whose
// yaml tag lacks omitempty. Defaults are merged by marshalling, so a missing
// omitempty would overwrite them with zero values.
func CheckYAMLTags(sections ...any) error {
	var errs error
	seen := map[reflect.Type]struct{}{}
	for _, s := range sections {
		errs = multierr.Append(errs, checkYAMLTags(reflect.TypeOf(s), seen))
	}
	return errs
}

func checkYAMLTags(t reflect.Type, seen map[reflect.Type]struct{}) error {
	if _, ok := seen[t]; ok {
		return nil
	}
	seen[t] = struct{}{}

	switch t.Kind() {
	case reflect.Array, reflect.Map, reflect.Slice, reflect.Pointer:
		return checkYAMLTags(t.Elem(), seen)
	case reflect.Struct:
		var errs error
		for i := 0; i < t.NumField(); i++ {
			field := t.Field(i)
			if !field.IsExported() || field.Type.Kind() == reflect.Bool {
				continue
			}

			parts := strings.Split(field.Tag.Get("yaml"), ",")
			if parts[0] == "-" {
				continue
			}
			if slices.Contains(parts, "inline") {
				// embedded from other modules
				continue
			}
			if !slices.Contains(parts, "omitempty") {
				errs = multierr.Append(errs, fmt.Errorf("%s.%s missing omitempty tag", t.Name(), field.Name))
			}
			if field.Type != durationType {
				errs = multierr.Append(errs, checkYAMLTags(field.Type, seen))
			}
		}
		return errs
	default:
		return nil
	}
}
