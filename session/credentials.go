package session

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
	apperrors "github.com/jrsteele09/school-console/internal/errors"
	"github.com/pkg/errors"
)

const notBlankTag = "notblank"

// Credentials are what a user types into a login surface.
type Credentials struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"notblank"`
}

// Normalised trims the email. Passwords are used exactly as typed.
func (c Credentials) Normalised() Credentials {
	return Credentials{Email: strings.TrimSpace(c.Email), Password: c.Password}
}

type credentialsValidator struct {
	validate   *validator.Validate
	translator ut.Translator
}

func newCredentialsValidator() (*credentialsValidator, error) {
	validate := validator.New()

	english := en.New()
	translator, found := ut.New(english, english).GetTranslator("en")
	if !found {
		return nil, errors.New("[newCredentialsValidator] no english translator")
	}
	if err := en_translations.RegisterDefaultTranslations(validate, translator); err != nil {
		return nil, errors.Wrap(err, "[newCredentialsValidator] RegisterDefaultTranslations")
	}

	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	err := validate.RegisterValidation(notBlankTag, func(fl validator.FieldLevel) bool {
		s, ok := fl.Field().Interface().(string)
		return ok && strings.TrimSpace(s) != ""
	})
	if err != nil {
		return nil, errors.Wrapf(err, "[newCredentialsValidator] RegisterValidation %s", notBlankTag)
	}
	err = validate.RegisterTranslation(notBlankTag, translator,
		func(ut.Translator) error { return nil },
		func(_ ut.Translator, fe validator.FieldError) string {
			return fe.Field() + " cannot be blank"
		})
	if err != nil {
		return nil, errors.Wrapf(err, "[newCredentialsValidator] RegisterTranslation %s", notBlankTag)
	}

	return &credentialsValidator{validate: validate, translator: translator}, nil
}

// check rejects malformed credentials before any network call. The error carries the
// translated field messages and classifies as ErrInvalidCredentials.
func (v *credentialsValidator) check(c Credentials) error {
	err := v.validate.Struct(c)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return fmt.Errorf("%w: %w", apperrors.ErrInvalidCredentials, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fe.Translate(v.translator))
	}
	return &apperrors.ValidationError{Message: strings.Join(msgs, "; ")}
}
