// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package mail

import (
	"bytes"
	"embed"
	htmltemplate "html/template"
	"strings"
	"text/template"

	"github.com/samber/oops"
	"golang.org/x/text/language"

	"github.com/holomush/authgate/internal/auth"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

// Renderer renders localized reset messages from the embedded templates.
type Renderer struct {
	langs   []string
	matcher language.Matcher
	text    map[string]*template.Template
	html    *htmltemplate.Template
}

// NewRenderer loads templates for locales. The first locale is the fallback
// for unknown languages; every locale must have an embedded template.
func NewRenderer(locales []string) (*Renderer, error) {
	if len(locales) == 0 {
		return nil, oops.Code("MAIL_TEMPLATE_INVALID").Errorf("at least one locale is required")
	}
	r := &Renderer{text: make(map[string]*template.Template, len(locales))}

	tags := make([]language.Tag, 0, len(locales))
	for _, loc := range locales {
		tag, err := language.Parse(loc)
		if err != nil {
			return nil, oops.Code("MAIL_TEMPLATE_INVALID").With("locale", loc).Wrap(err)
		}
		base, _ := tag.Base()
		name := base.String()
		tmpl, err := template.ParseFS(templatesFS, "templates/"+name+".txt.tmpl")
		if err != nil {
			return nil, oops.Code("MAIL_TEMPLATE_INVALID").With("locale", name).Wrap(err)
		}
		r.text[name] = tmpl
		r.langs = append(r.langs, name)
		tags = append(tags, tag)
	}
	r.matcher = language.NewMatcher(tags)

	html, err := htmltemplate.ParseFS(templatesFS, "templates/reset.html.tmpl")
	if err != nil {
		return nil, oops.Code("MAIL_TEMPLATE_INVALID").With("template", "reset.html").Wrap(err)
	}
	r.html = html
	return r, nil
}

// Resolve maps a requested language to a supported locale.
func (r *Renderer) Resolve(lang string) string {
	if lang == "" {
		return r.langs[0]
	}
	tags, _, err := language.ParseAcceptLanguage(lang)
	if err != nil || len(tags) == 0 {
		return r.langs[0]
	}
	_, idx, conf := r.matcher.Match(tags...)
	if conf == language.No {
		return r.langs[0]
	}
	return r.langs[idx]
}

// RenderReset implements auth.MessageRenderer.
func (r *Renderer) RenderReset(lang, to string, data auth.ResetMail) (auth.Message, error) {
	if !data.Kind.Valid() {
		return auth.Message{}, oops.Code("MAIL_RENDER_FAILED").With("kind", string(data.Kind)).Errorf("unknown reset kind")
	}
	lang = r.Resolve(lang)
	tmpl := r.text[lang]

	subject, err := execText(tmpl, string(data.Kind)+".subject", data)
	if err != nil {
		return auth.Message{}, oops.Code("MAIL_RENDER_FAILED").With("lang", lang).With("part", "subject").Wrap(err)
	}
	text, err := execText(tmpl, string(data.Kind)+".text", data)
	if err != nil {
		return auth.Message{}, oops.Code("MAIL_RENDER_FAILED").With("lang", lang).With("part", "text").Wrap(err)
	}

	var html bytes.Buffer
	if err := r.html.Execute(&html, map[string]string{
		"Lang":    lang,
		"Subject": subject,
		"Text":    text,
		"Link":    data.Link,
	}); err != nil {
		return auth.Message{}, oops.Code("MAIL_RENDER_FAILED").With("lang", lang).With("part", "html").Wrap(err)
	}

	return auth.Message{
		To:       to,
		Subject:  strings.TrimSpace(subject),
		TextBody: text,
		HTMLBody: html.String(),
	}, nil
}

func execText(tmpl *template.Template, name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, name, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

var _ auth.MessageRenderer = (*Renderer)(nil)
