package validators

import (
	"net/http"
	"reflect"
	"strings"

	pkgerrors "github.com/angelmondragon/scalepay-backend/pkg/errors"
)

const maxFormBytes = 64 << 10

// DecodeForm fills the string fields of dest from an url encoded body using
// their `form` tags, then runs struct validation.
func DecodeForm(w http.ResponseWriter, r *http.Request, dest any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid form body")
	}

	value := reflect.ValueOf(dest)
	if value.Kind() != reflect.Pointer || value.Elem().Kind() != reflect.Struct {
		return pkgerrors.New(pkgerrors.CodeInternal, "form destination must be a struct pointer")
	}
	target := value.Elem()
	for i := 0; i < target.NumField(); i++ {
		field := target.Type().Field(i)
		name := strings.SplitN(field.Tag.Get("form"), ",", 2)[0]
		if name == "" || name == "-" || field.Type.Kind() != reflect.String {
			continue
		}
		target.Field(i).SetString(strings.TrimSpace(r.PostForm.Get(name)))
	}

	if err := validate.Struct(dest); err != nil {
		return formatValidationErrors(err)
	}
	return nil
}
