// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package presenter

import (
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/vorlif/humanize"
)

// iconColumns is the number of terminal columns an icon and its padding occupy.
const iconColumns = 3

func (p *Presenter) templateFuncMap() template.FuncMap {
	return template.FuncMap{
		"timeFormat":    p.timeFormat,
		"localizedTime": p.localizedTime,
		"naturalTime":   p.naturalTime,
		"floatFormat":   p.floatFormat,
		"iconPad":       iconPad,
		"loc":           p.loc,
		"lc":            strings.ToLower,
		"uc":            strings.ToUpper,
	}
}

func (p *Presenter) loc(val string) string {
	if raw, ok := templateMessages[val]; ok {
		return p.localizer.Get(raw)
	}
	return val
}

func (p *Presenter) localizedTime(val time.Time) string {
	if val.IsZero() {
		return ""
	}
	return p.humanizer.FormatTime(val, humanize.TimeFormat)
}

func (p *Presenter) naturalTime(val time.Time) string {
	if val.IsZero() {
		return ""
	}
	return p.humanizer.NaturalTime(val)
}

func (p *Presenter) timeFormat(val time.Time, fmt string) string {
	if val.IsZero() {
		return ""
	}
	return val.Local().Format(fmt)
}

func (p *Presenter) floatFormat(val float64, precision int) string {
	return strconv.FormatFloat(val, 'f', precision, 64)
}

// iconPad pads an icon with spaces so that the text following it starts at the same column for
// narrow and wide glyphs.
func iconPad(icon string) string {
	if icon == "" {
		return ""
	}
	width := runewidth.StringWidth(icon)
	return icon + strings.Repeat(" ", max(1, iconColumns-width))
}
