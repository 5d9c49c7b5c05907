// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import "context"

// Message is a rendered outbound email.
type Message struct {
	To       string
	Subject  string
	TextBody string
	HTMLBody string // optional
}

// Mailer delivers rendered messages.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// ResetMail carries the values a reset message template can use.
type ResetMail struct {
	Login string
	Kind  ResetKind
	Link  string
}

// MessageRenderer turns reset data into a localized Message. Unknown
// languages fall back to the renderer's default.
type MessageRenderer interface {
	RenderReset(lang string, to string, data ResetMail) (Message, error)
}
