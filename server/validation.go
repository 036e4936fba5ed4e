package server

import (
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/nhalm/badgecount/badge"
	"github.com/nhalm/badgecount/bind"
)

// Badge query tags: badgecolor accepts a shields.io colour name or hex code,
// badgestyle one of badge.Styles.
func init() {
	rules := map[string]func(string) bool{
		"badgecolor": badge.ValidColor,
		"badgestyle": badge.ValidStyle,
	}
	for tag, valid := range rules {
		if err := bind.RegisterValidation(tag, func(fl validator.FieldLevel) bool {
			return valid(fl.Field().String())
		}); err != nil {
			panic("server: register " + tag + ": " + err.Error())
		}
	}
}

func formatMessage(field, tag, param string) string {
	switch tag {
	case "badgecolor":
		return field + " must be a colour name or a 3 or 6 digit hex code"
	case "badgestyle":
		return field + " must be one of: " + strings.Join(badge.Styles(), " ")
	}
	return bind.DefaultFormatter(field, tag, param)
}
