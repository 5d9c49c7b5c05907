// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"bytes"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base32"
	"encoding/base64"
	"image/png"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/samber/oops"
)

// TOTP parameters (RFC 6238). Only the current time step is accepted.
const (
	OTPPeriod      = 30
	OTPSecretBytes = 20 // 160 bits
	otpQRSize      = 200
)

var otpEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

func otpOpts() totp.ValidateOpts {
	return totp.ValidateOpts{
		Period:    OTPPeriod,
		Skew:      0,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	}
}

// GenerateOTPSecret returns a fresh unpadded base32 secret.
func GenerateOTPSecret() (string, error) {
	raw := make([]byte, OTPSecretBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", oops.Code("OTP_SECRET_GENERATE_FAILED").Wrap(err)
	}
	return otpEncoding.EncodeToString(raw), nil
}

// OTPCode computes the code for secret at the time step containing at.
func OTPCode(secret string, at time.Time) (string, error) {
	code, err := totp.GenerateCodeCustom(secret, at, otpOpts())
	if err != nil {
		return "", oops.Code("OTP_INVALID_SECRET").Wrap(err)
	}
	return code, nil
}

// MatchOTP reports whether code is exactly the code for secret at the time
// step containing at. Codes for neighbouring steps are rejected.
func MatchOTP(secret, code string, at time.Time) (bool, error) {
	expected, err := OTPCode(secret, at)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(code)) == 1, nil
}

// OTPProvisioning is what an authenticator app needs to enroll a secret.
type OTPProvisioning struct {
	URL    string // otpauth:// URL
	QRCode string // data:image/png;base64,...
}

// NewOTPProvisioning builds the otpauth URL and QR code for secret.
func NewOTPProvisioning(issuer, account, secret string) (*OTPProvisioning, error) {
	raw, err := otpEncoding.DecodeString(strings.ToUpper(strings.TrimRight(secret, "=")))
	if err != nil {
		return nil, oops.Code("OTP_INVALID_SECRET").Wrap(err)
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: account,
		Period:      OTPPeriod,
		Secret:      raw,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, oops.Code("OTP_PROVISION_FAILED").With("account", account).Wrap(err)
	}

	img, err := key.Image(otpQRSize, otpQRSize)
	if err != nil {
		return nil, oops.Code("OTP_PROVISION_FAILED").With("stage", "qr image").Wrap(err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, oops.Code("OTP_PROVISION_FAILED").With("stage", "png encode").Wrap(err)
	}

	return &OTPProvisioning{
		URL:    key.URL(),
		QRCode: "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()),
	}, nil
}
