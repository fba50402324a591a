// Package i18n localizes the user-facing result messages of a check-in.
package i18n

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nicksnyder/go-i18n/v2/i18n"
	"golang.org/x/text/language"
)

//go:embed locales/*.json
var localeFS embed.FS

// Message IDs.
const (
	MsgApproved       = "checkin.approved"
	MsgPending        = "checkin.pending"
	MsgFailed         = "checkin.failed"
	MsgInvalid        = "checkin.invalid"
	MsgRecordApproved = "record.approved"
	MsgRecordRejected = "record.rejected"
)

var (
	mu            sync.RWMutex
	bundle        *i18n.Bundle
	matcher       language.Matcher
	supported     []language.Tag
	defaultLocale = language.English
)

type ctxKey struct{}

// Init loads all embedded locale files. defLocale is used when a request
// carries no usable Accept-Language.
func Init(defLocale string) error {
	def := language.English
	if defLocale != "" {
		tag, err := language.Parse(defLocale)
		if err != nil {
			return fmt.Errorf("i18n: default locale %q: %w", defLocale, err)
		}
		def = tag
	}

	b := i18n.NewBundle(language.English)
	b.RegisterUnmarshalFunc("json", json.Unmarshal)

	entries, err := localeFS.ReadDir("locales")
	if err != nil {
		return fmt.Errorf("i18n: read locales dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := localeFS.ReadFile("locales/" + e.Name())
		if err != nil {
			return fmt.Errorf("i18n: read %s: %w", e.Name(), err)
		}
		if _, err := b.ParseMessageFileBytes(data, e.Name()); err != nil {
			return fmt.Errorf("i18n: parse %s: %w", e.Name(), err)
		}
	}

	// default first so the matcher falls back to it
	tags := []language.Tag{def}
	for _, t := range b.LanguageTags() {
		if t != def {
			tags = append(tags, t)
		}
	}

	mu.Lock()
	bundle = b
	supported = tags
	matcher = language.NewMatcher(tags)
	defaultLocale = def
	mu.Unlock()
	return nil
}

// Match picks the best supported locale for an Accept-Language header value.
func Match(acceptLanguage string) string {
	mu.RLock()
	m, def := matcher, defaultLocale
	mu.RUnlock()
	if m == nil || acceptLanguage == "" {
		return def.String()
	}
	prefs, _, err := language.ParseAcceptLanguage(acceptLanguage)
	if err != nil || len(prefs) == 0 {
		return def.String()
	}
	_, idx, _ := m.Match(prefs...)
	mu.RLock()
	defer mu.RUnlock()
	return supported[idx].String()
}

// WithLocale returns a new context carrying the given locale string.
func WithLocale(ctx context.Context, locale string) context.Context {
	return context.WithValue(ctx, ctxKey{}, locale)
}

// LocaleFromContext returns the configured default locale if none is set.
func LocaleFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKey{}).(string); ok && v != "" {
		return v
	}
	mu.RLock()
	defer mu.RUnlock()
	return defaultLocale.String()
}

// T translates a message ID using the locale from the context. Unknown IDs
// come back unchanged.
func T(ctx context.Context, messageID string, templateData map[string]any) string {
	return localize(ctx, &i18n.LocalizeConfig{MessageID: messageID, TemplateData: templateData})
}

// TN is T with plural selection on count; count is exposed as .Count.
func TN(ctx context.Context, messageID string, count int, templateData map[string]any) string {
	data := map[string]any{"Count": count}
	for k, v := range templateData {
		data[k] = v
	}
	return localize(ctx, &i18n.LocalizeConfig{MessageID: messageID, PluralCount: count, TemplateData: data})
}

func localize(ctx context.Context, cfg *i18n.LocalizeConfig) string {
	mu.RLock()
	b := bundle
	mu.RUnlock()
	if b == nil {
		return cfg.MessageID
	}
	msg, err := i18n.NewLocalizer(b, LocaleFromContext(ctx)).Localize(cfg)
	if err != nil || msg == "" {
		return cfg.MessageID
	}
	return msg
}
