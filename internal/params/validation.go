package params

import (
	"regexp"

	"github.com/go-playground/validator/v10"
)

var hexDataRe = regexp.MustCompile(hexDataPattern)

// validate is shared; validator.Validate caches struct metadata and is safe for concurrent use.
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := v.RegisterValidation("hexdata", isHexData); err != nil {
		panic(err)
	}
	if err := v.RegisterValidation("quantity", isQuantity); err != nil {
		panic(err)
	}

	return v
}

func isHexData(fl validator.FieldLevel) bool {
	return hexDataRe.MatchString(fl.Field().String())
}

func isQuantity(fl validator.FieldLevel) bool {
	_, err := parseQuantity(fl.Field().String())
	return err == nil
}
