package auth

import (
	"fmt"
	"net/mail"
	"strings"
	"unicode/utf8"
)

const (
	maxPasswordBytes = 72 // bcrypt input limit
	maxBulkUsers     = 50
)

func validateLength(field, value string, min, max int) error {
	n := utf8.RuneCountInString(value)
	if n < min || n > max {
		return fmt.Errorf("%w: %s must be between %d and %d characters", ErrInvalidInput, field, min, max)
	}
	return nil
}

func normalizeTenantName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if err := validateLength("tenant_name", name, 3, 50); err != nil {
		return "", err
	}
	return name, nil
}

func normalizeUsername(field, username string) (string, error) {
	username = strings.TrimSpace(username)
	if err := validateLength(field, username, 3, 50); err != nil {
		return "", err
	}
	if strings.ContainsAny(username, " \t\r\n") {
		return "", fmt.Errorf("%w: %s must not contain whitespace", ErrInvalidInput, field)
	}
	return username, nil
}

func normalizeEmail(field, email string) (string, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || !strings.Contains(email[strings.LastIndex(email, "@")+1:], ".") {
		return "", fmt.Errorf("%w: %s must be a valid email address", ErrInvalidInput, field)
	}
	return email, nil
}

func normalizeFullName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if err := validateLength("full_name", name, 1, 100); err != nil {
		return "", err
	}
	return name, nil
}

func validatePassword(field, password string) error {
	if utf8.RuneCountInString(password) < MinPasswordLength {
		return fmt.Errorf("%w: %s must be at least %d characters", ErrInvalidInput, field, MinPasswordLength)
	}
	if len(password) > maxPasswordBytes {
		return fmt.Errorf("%w: %s must be at most %d bytes", ErrInvalidInput, field, maxPasswordBytes)
	}
	return nil
}

func normalizeNewUser(nu NewUser) (NewUser, error) {
	var err error
	if nu.Username, err = normalizeUsername("username", nu.Username); err != nil {
		return NewUser{}, err
	}
	if nu.Email, err = normalizeEmail("email", nu.Email); err != nil {
		return NewUser{}, err
	}
	if nu.FullName, err = normalizeFullName(nu.FullName); err != nil {
		return NewUser{}, err
	}
	role, ok := ParseRole(string(nu.Role))
	if !ok {
		return NewUser{}, fmt.Errorf("%w: unsupported role %q", ErrInvalidInput, nu.Role)
	}
	nu.Role = role
	if nu.Password != "" {
		if err := validatePassword("password", nu.Password); err != nil {
			return NewUser{}, err
		}
	}
	return nu, nil
}
