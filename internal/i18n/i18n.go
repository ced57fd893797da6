// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package i18n

import (
	"embed"
	"fmt"
	"io/fs"

	"github.com/Xuanwo/go-locale"
	"github.com/vorlif/spreak"
	"golang.org/x/text/language"
)

//go:embed locale/*
var locales embed.FS

// New returns a localizer for the given locale string. An empty string detects the locale from the
// environment and falls back to English.
func New(loc string) (*spreak.Localizer, error) {
	tag, err := Tag(loc)
	if err != nil {
		tag = language.English
	}

	localeFS, err := fs.Sub(locales, "locale")
	if err != nil {
		return nil, fmt.Errorf("failed to load locales: %w", err)
	}

	bundle, err := spreak.NewBundle(
		spreak.WithSourceLanguage(language.English),
		spreak.WithFallbackLanguage(language.English),
		spreak.WithDomainFs("", localeFS),
		spreak.WithLanguage(tag),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create i18n bundle: %w", err)
	}
	return spreak.NewLocalizer(bundle, tag), nil
}

// Tag parses loc into a language tag. An empty loc is resolved from the environment.
func Tag(loc string) (language.Tag, error) {
	if loc == "" {
		tag, err := locale.Detect()
		if err != nil {
			return language.Und, fmt.Errorf("failed to detect locale: %w", err)
		}
		return tag, nil
	}
	tag, err := language.Parse(loc)
	if err != nil {
		return language.Und, fmt.Errorf("failed to parse locale %q: %w", loc, err)
	}
	return tag, nil
}
