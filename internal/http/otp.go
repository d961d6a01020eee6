package httpapi

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// newOTP returns the 4-digit code the user shows the driver at pickup.
func newOTP() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(10000))
	if err != nil {
		return "", fmt.Errorf("generate otp: %w", err)
	}
	return fmt.Sprintf("%04d", n.Int64()), nil
}
