package auth

import (
	"fmt"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// GenerateTOTPSecret creates a new TOTP secret for a user enabling
// 2FA. The returned secret is the base32 string the user feeds to
// their authenticator.
func GenerateTOTPSecret(login string) (string, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      "cordon",
		AccountName: login,
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate TOTP secret: %w", err)
	}
	return key.Secret(), nil
}

// VerifyTOTP validates a code with a ±1 step window against clock
// skew.
func VerifyTOTP(secret, code string) bool {
	ok, err := totp.ValidateCustom(code, secret, time.Now().UTC(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}
