package authcore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"
)

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

const (
	MinPasswordLength = 8
	MaxPasswordLength = 72 // bcrypt ignores anything past 72 bytes
	maxFieldLength    = 200
)

// ValidateEmail checks the format of an email address
func ValidateEmail(email string) error {
	if email == "" {
		return Invalid("email is required")
	}
	if !emailRegex.MatchString(email) {
		return Invalid("invalid email format")
	}
	return nil
}

// ValidatePassword enforces the password length policy
func ValidatePassword(password string) error {
	if len(password) < MinPasswordLength {
		return Invalid("password must be at least %d characters", MinPasswordLength)
	}
	if len(password) > MaxPasswordLength {
		return Invalid("password must be at most %d bytes", MaxPasswordLength)
	}
	return nil
}

func validatePhone(phone string) error {
	if phone == "" {
		return nil
	}
	digits := 0
	for _, r := range phone {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == '+' || r == '-' || r == ' ' || r == '(' || r == ')':
		default:
			return Invalid("invalid phone number")
		}
	}
	if digits < 10 {
		return Invalid("invalid phone number")
	}
	return nil
}

func validateLength(name, value string) error {
	if len(value) > maxFieldLength {
		return Invalid("%s must be at most %d characters", name, maxFieldLength)
	}
	return nil
}

// RegistrationProfile is everything a user may supply when signing up with
// an email and password. Role is deliberately absent: new accounts are
// always STANDARD.
type RegistrationProfile struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Phone     string `json:"phone,omitempty"`
}

// Validate normalizes the email and checks every field
func (p *RegistrationProfile) Validate() error {
	p.Email = NormalizeEmail(p.Email)
	if err := ValidateEmail(p.Email); err != nil {
		return err
	}
	if err := ValidatePassword(p.Password); err != nil {
		return err
	}
	if strings.TrimSpace(p.FirstName) == "" {
		return Invalid("first name is required")
	}
	for name, v := range map[string]string{"first name": p.FirstName, "last name": p.LastName} {
		if err := validateLength(name, v); err != nil {
			return err
		}
	}
	return validatePhone(p.Phone)
}

// ProfileUpdate lists the profile fields an account holder may change.
// Nil fields are left as they are.
type ProfileUpdate struct {
	FirstName   *string `json:"firstName,omitempty"`
	LastName    *string `json:"lastName,omitempty"`
	Phone       *string `json:"phone,omitempty"`
	Address     *string `json:"address,omitempty"`
	DateOfBirth *string `json:"dateOfBirth,omitempty"`
	Gender      *string `json:"gender,omitempty"`
	Nationality *string `json:"nationality,omitempty"`
}

// Validate checks the fields that are present
func (u *ProfileUpdate) Validate() error {
	fields := map[string]*string{
		"first name":  u.FirstName,
		"last name":   u.LastName,
		"address":     u.Address,
		"gender":      u.Gender,
		"nationality": u.Nationality,
	}
	for name, v := range fields {
		if v == nil {
			continue
		}
		if err := validateLength(name, *v); err != nil {
			return err
		}
	}
	if u.FirstName != nil && strings.TrimSpace(*u.FirstName) == "" {
		return Invalid("first name must not be empty")
	}
	if u.Phone != nil {
		if err := validatePhone(*u.Phone); err != nil {
			return err
		}
	}
	if u.DateOfBirth != nil && *u.DateOfBirth != "" {
		dob, err := time.Parse(time.DateOnly, *u.DateOfBirth)
		if err != nil {
			return Invalid("dateOfBirth must be YYYY-MM-DD")
		}
		if dob.After(time.Now()) {
			return Invalid("dateOfBirth must be in the past")
		}
	}
	return nil
}

// IsEmpty returns true if the update changes nothing
func (u *ProfileUpdate) IsEmpty() bool {
	return u.FirstName == nil && u.LastName == nil && u.Phone == nil && u.Address == nil &&
		u.DateOfBirth == nil && u.Gender == nil && u.Nationality == nil
}

// ApplyTo returns p with the update applied
func (u *ProfileUpdate) ApplyTo(p Profile) Profile {
	set := func(dst *string, src *string) {
		if src != nil {
			*dst = strings.TrimSpace(*src)
		}
	}
	set(&p.FirstName, u.FirstName)
	set(&p.LastName, u.LastName)
	set(&p.Phone, u.Phone)
	set(&p.Address, u.Address)
	set(&p.DateOfBirth, u.DateOfBirth)
	set(&p.Gender, u.Gender)
	set(&p.Nationality, u.Nationality)
	return p
}

// DecodeJSON decodes a single JSON object into v and rejects unknown fields
func DecodeJSON(r io.Reader, v any) error {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return Invalid("request body is required")
		}
		return ErrInvalidInput.WithMessage("invalid request body").Wrap(err)
	}
	if dec.More() {
		return Invalid("request body must contain a single object")
	}
	return nil
}

// ProviderProfile is what an identity provider tells us about a user
type ProviderProfile struct {
	Provider    Provider
	ProviderID  string
	Username    string   // optional handle, used for the login id
	Emails      []string // candidate emails, verified ones first
	DisplayName string
	FirstName   string
	LastName    string
	AvatarURL   string
}

// Validate normalizes emails and checks the identifying fields
func (p *ProviderProfile) Validate() error {
	if p.Provider == "" {
		return Invalid("provider is required")
	}
	if p.ProviderID == "" {
		return Invalid("provider id is required")
	}
	emails := make([]string, 0, len(p.Emails))
	for _, e := range p.Emails {
		e = NormalizeEmail(e)
		if e != "" && ValidateEmail(e) == nil {
			emails = append(emails, e)
		}
	}
	p.Emails = emails
	return nil
}

// LoginID is the synthesized identifier of an account created from this profile
func (p *ProviderProfile) LoginID() string {
	handle := p.Username
	if handle == "" {
		handle = p.ProviderID
	}
	return fmt.Sprintf("%s_%s", p.Provider, handle)
}

// PrimaryEmail is the email a new account will be created with
func (p *ProviderProfile) PrimaryEmail() string {
	if len(p.Emails) > 0 {
		return p.Emails[0]
	}
	return PlaceholderEmail(p.Provider, p.ProviderID)
}

func (p *ProviderProfile) profile() Profile {
	first, last := p.FirstName, p.LastName
	if first == "" {
		first = p.DisplayName
	}
	if first == "" {
		first = p.Username
	}
	if first == "" {
		first = "User"
	}
	return Profile{FirstName: first, LastName: last, AvatarURL: p.AvatarURL}
}
