// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/samber/oops"
)

// Next steps reported to the login application.
const (
	NextPassword = "password"
	NextOTP      = "otp"
	NextDone     = "done"
)

// Failure reasons.
const (
	ReasonExpired        = "expired"
	ReasonInvalidEmail   = "invalid-email"
	ReasonExternPassword = "extern-password"
)

// response is the JSON body of every API call.
type response struct {
	Success bool   `json:"success"`
	Next    string `json:"next,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Locale  string `json:"locale,omitempty"`
	QRCode  string `json:"qr_code,omitempty"`
	OTPURL  string `json:"otp_url,omitempty"`
	Error   string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body response) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	//nolint:errcheck // client may disconnect
	json.NewEncoder(w).Encode(body)
}

func ok(w http.ResponseWriter, body response) {
	body.Success = true
	writeJSON(w, http.StatusOK, body)
}

func failed(w http.ResponseWriter, body response) {
	body.Success = false
	writeJSON(w, http.StatusOK, body)
}

// errInvalid builds a validation error for a request that cannot be served.
func errInvalid(field, reason string) error {
	return oops.Code("VALIDATION_FAILED").With("field", field).Errorf("%s", reason)
}

// validate checks req against its struct tags.
func validate(v *validator.Validate, req any) error {
	err := v.Struct(req)
	if err == nil {
		return nil
	}
	var fields []string
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			fields = append(fields, fe.Field()+":"+fe.Tag())
		}
	}
	return oops.Code("VALIDATION_FAILED").With("fields", fields).Wrap(err)
}
