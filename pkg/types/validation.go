package types

import (
	"regexp"
	"unicode/utf8"
)

var mobileRegex = regexp.MustCompile(`^1[3-9][0-9]{9}$`)

// IsValidMobile checks the 11 digit mainland mobile format accounts use
func IsValidMobile(mobile string) bool {
	return mobileRegex.MatchString(mobile)
}

// IsValidMessageKind checks that kind is one of the recognized message kinds
func IsValidMessageKind(kind MessageKind) bool {
	switch kind {
	case MessageText, MessageImage:
		return true
	default:
		return false
	}
}

// IsValidInquiryState checks that state is one of the three lifecycle states
func IsValidInquiryState(state InquiryState) bool {
	switch state {
	case InquiryPending, InquiryInProgress, InquiryCompleted:
		return true
	default:
		return false
	}
}

// ValidateSymptoms checks a symptom description submitted with a new inquiry
func ValidateSymptoms(text string) error {
	n := utf8.RuneCountInString(text)
	if n < 1 || n > 5000 {
		return ErrInvalidSymptoms
	}
	return nil
}

// Validate checks a chat payload before it is persisted
func (p *ChatPayload) Validate() error {
	if !IsValidMessageKind(p.Kind) {
		return ErrInvalidMessageKind
	}
	if p.Content == "" {
		return ErrMissingContent
	}
	if len(p.Content) > MaxContentBytes {
		return ErrContentTooLarge
	}
	return nil
}
