package notification

import (
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"

	"github.com/trezcool/clearance/core"
)

var (
	channelTag  = "channel"
	channelText = "{0} must be one of email, sms, app or call"

	priorityTag  = "priority"
	priorityText = "{0} must be one of low, medium or high"

	eventTag  = "delivery_event"
	eventText = "{0} must be delivered or read"
)

// InitValidators registers the notification validation tags.
func InitValidators(validate *validator.Validate, translator ut.Translator) {
	_ = validate.RegisterValidation(channelTag, func(fl validator.FieldLevel) bool {
		return Channel(fl.Field().String()).IsValid()
	})
	core.RegisterCustomTranslation(validate, translator, channelTag, channelText)

	_ = validate.RegisterValidation(priorityTag, func(fl validator.FieldLevel) bool {
		return Priority(fl.Field().String()).IsValid()
	})
	core.RegisterCustomTranslation(validate, translator, priorityTag, priorityText)

	_ = validate.RegisterValidation(eventTag, func(fl validator.FieldLevel) bool {
		return Event(fl.Field().String()).IsValid()
	})
	core.RegisterCustomTranslation(validate, translator, eventTag, eventText)
}
