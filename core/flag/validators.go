package flag

import (
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"

	"github.com/trezcool/clearance/core"
)

var (
	absenceTypeTag  = "absence_type"
	absenceTypeText = "{0} must be one of full_absence, late_arrival or early_departure"

	severityTag  = "severity"
	severityText = "{0} must be one of low, medium or high"

	decisionTag  = "decision"
	decisionText = "{0} must be clear or reject"
)

// InitValidators registers the flag validation tags.
func InitValidators(validate *validator.Validate, translator ut.Translator) {
	_ = validate.RegisterValidation(absenceTypeTag, func(fl validator.FieldLevel) bool {
		return AbsenceType(fl.Field().String()).IsValid()
	})
	core.RegisterCustomTranslation(validate, translator, absenceTypeTag, absenceTypeText)

	_ = validate.RegisterValidation(severityTag, func(fl validator.FieldLevel) bool {
		return Severity(fl.Field().String()).IsValid()
	})
	core.RegisterCustomTranslation(validate, translator, severityTag, severityText)

	_ = validate.RegisterValidation(decisionTag, func(fl validator.FieldLevel) bool {
		return Decision(fl.Field().String()).IsValid()
	})
	core.RegisterCustomTranslation(validate, translator, decisionTag, decisionText)
}
