// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package gateway

import (
	"github.com/samber/oops"
	"golang.org/x/text/language"
)

// locales matches client preferences against the supported UI locales.
type locales struct {
	names   []string
	matcher language.Matcher
}

func newLocales(supported []string) (*locales, error) {
	if len(supported) == 0 {
		return nil, oops.Code("GATEWAY_CONFIG_INVALID").Errorf("at least one locale is required")
	}
	l := &locales{}
	tags := make([]language.Tag, 0, len(supported))
	for _, s := range supported {
		tag, err := language.Parse(s)
		if err != nil {
			return nil, oops.Code("GATEWAY_CONFIG_INVALID").With("locale", s).Wrap(err)
		}
		tags = append(tags, tag)
		l.names = append(l.names, s)
	}
	l.matcher = language.NewMatcher(tags)
	return l, nil
}

// match returns the supported locale closest to the first usable preference.
// Preferences may be tags or Accept-Language values; the default is the first
// supported locale.
func (l *locales) match(prefs ...string) string {
	var usable []string
	for _, p := range prefs {
		if p != "" {
			usable = append(usable, p)
		}
	}
	if len(usable) == 0 {
		return l.names[0]
	}
	_, idx := language.MatchStrings(l.matcher, usable...)
	return l.names[idx]
}
