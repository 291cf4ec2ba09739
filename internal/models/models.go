package models

import "time"

type StatusResponse struct {
	Connected   bool       `json:"connected"`
	NeedsReauth bool       `json:"needsReauth"`
	Account     string     `json:"account,omitempty"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
}

type LoginResponse struct {
	Success bool   `json:"success"`
	Account string `json:"account,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
