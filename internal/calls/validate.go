package calls

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

const languageAuto = "auto"

var validate = validator.New()

// StartInput is the user's call request.
type StartInput struct {
	PhoneNumber string `json:"phone_number"`
	Briefing    string `json:"briefing"`
	Language    string `json:"language"`
}

func (s *Service) validateStart(in StartInput) (StartInput, error) {
	in.PhoneNumber = strings.TrimSpace(in.PhoneNumber)
	in.Briefing = strings.TrimSpace(in.Briefing)
	in.Language = strings.TrimSpace(in.Language)

	if in.PhoneNumber == "" {
		return in, invalid("phone_number", "is required")
	}
	if err := validate.Var(in.PhoneNumber, "e164"); err != nil {
		return in, invalid("phone_number", "must be in international format, e.g. +14155550100")
	}
	for _, p := range s.cfg.BlockedPrefixes {
		if p != "" && strings.HasPrefix(in.PhoneNumber, p) {
			return in, invalid("phone_number", "premium-rate numbers cannot be called")
		}
	}

	n := utf8.RuneCountInString(in.Briefing)
	if n < s.cfg.BriefingMinLen {
		return in, invalid("briefing", fmt.Sprintf("must be at least %d characters", s.cfg.BriefingMinLen))
	}
	if n > s.cfg.BriefingMaxLen {
		return in, invalid("briefing", fmt.Sprintf("must be at most %d characters", s.cfg.BriefingMaxLen))
	}

	if in.Language == "" {
		in.Language = languageAuto
	}
	if in.Language != languageAuto {
		if err := validate.Var(in.Language, "bcp47_language_tag"); err != nil {
			return in, invalid("language", `must be "auto" or a BCP 47 language tag`)
		}
	}
	return in, nil
}
