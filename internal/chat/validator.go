package chat

import (
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"

	"github.com/eventhub/realtime/internal/apperr"
)

const (
	MaxMessageBytes = 4096 // 4KB max content size
	MaxTextChars    = 2000 // max character count
	MaxAttachments  = 10
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// NormalizeContent trims surrounding whitespace and checks the result meets
// content requirements. It returns the trimmed content.
func NormalizeContent(op, text string) (string, error) {
	if !utf8.ValidString(text) {
		return "", apperr.Validation(op, "message contains invalid UTF-8")
	}
	text = strings.TrimSpace(text)
	if len(text) == 0 {
		return "", apperr.Validation(op, "message content is empty")
	}
	if len(text) > MaxMessageBytes {
		return "", apperr.Validationf(op, "message exceeds %d byte limit", MaxMessageBytes)
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return "", apperr.Validationf(op, "message exceeds %d character limit", MaxTextChars)
	}
	return text, nil
}

func validateAttachments(op string, attachments []Attachment) error {
	if len(attachments) > MaxAttachments {
		return apperr.Validationf(op, "at most %d attachments allowed", MaxAttachments)
	}
	for i := range attachments {
		if err := validate.Struct(attachments[i]); err != nil {
			return apperr.Validationf(op, "attachment %d: %s", i, describeValidation(err))
		}
	}
	return nil
}

func describeValidation(err error) string {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return err.Error()
	}
	fe := fieldErrs[0]
	return strings.ToLower(fe.Field()) + " failed " + fe.Tag()
}
