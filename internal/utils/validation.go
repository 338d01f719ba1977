package utils

import (
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
	validate.RegisterValidation("agreement_number", func(fl validator.FieldLevel) bool {
		return IsValidAgreementNumber(fl.Field().String())
	})
}

// ValidateStruct validates a struct using validation tags
func ValidateStruct(s interface{}) error {
	return validate.Struct(s)
}

// MaxAgreementNumberLength is the width of the agreement number column
const MaxAgreementNumberLength = 32

// IsValidAgreementNumber accepts empty values (generated later) or any producer supplied
// number that fits the column and carries no whitespace
func IsValidAgreementNumber(number string) bool {
	return len(number) <= MaxAgreementNumberLength && !strings.ContainsAny(number, " \t\r\n")
}
