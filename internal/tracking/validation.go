package tracking

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var keyValidator = validator.New(validator.WithRequiredStructEnabled())

// NewKey normalises and validates a waybill/courier pair
func NewKey(waybill, courier string) (Key, error) {
	key := Key{
		Waybill: strings.ToUpper(strings.TrimSpace(waybill)),
		Courier: strings.ToLower(strings.TrimSpace(courier)),
	}
	if err := ValidateKey(key); err != nil {
		return Key{}, err
	}
	return key, nil
}

// ValidateKey checks key without normalising it
func ValidateKey(key Key) error {
	if err := keyValidator.Struct(key); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return nil
}
