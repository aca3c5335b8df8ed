// Package tournament holds the wizards of the tournament application and the
// domain checks they use.
package tournament

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/gabrielmiguelok/livewizard/pkg/definition"
	"github.com/gabrielmiguelok/livewizard/pkg/forms"
)

// Wizard ids.
const (
	PlayerSignup     = "player-signup"
	TournamentCreate = "tournament-create"
	MatchResult      = "match-result"
)

// AdultAge is the minimum age for player accounts.
const AdultAge = 18

//go:embed wizards/*.yaml
var wizardFiles embed.FS

// Wizards returns the embedded definition files.
func Wizards() fs.FS {
	sub, err := fs.Sub(wizardFiles, "wizards")
	if err != nil {
		panic(err)
	}
	return sub
}

// Load registers the domain validators in reg and parses the embedded
// wizards. A nil clock means time.Now.
func Load(reg *forms.CustomRegistry, clock func() time.Time) (*definition.Registry, error) {
	Register(reg, clock)
	defs := definition.NewRegistry()
	if err := defs.LoadFS(Wizards(), reg); err != nil {
		return nil, fmt.Errorf("tournament: load wizards: %w", err)
	}
	return defs, nil
}

// Register adds the domain validators to reg.
func Register(reg *forms.CustomRegistry, clock func() time.Time) {
	if clock == nil {
		clock = time.Now
	}

	reg.Register("adult", func(v any, _ forms.Values) error {
		dob, ok := forms.AsTime(v)
		if !ok {
			return errors.New("Please enter a valid date")
		}
		if dob.After(clock()) {
			return errors.New("Date of birth cannot be in the future")
		}
		if Age(dob, clock()) < AdultAge {
			return fmt.Errorf("You must be at least %d years old", AdultAge)
		}
		return nil
	})

	reg.Register("future-date", func(v any, _ forms.Values) error {
		d, ok := forms.AsTime(v)
		if !ok {
			return errors.New("Please enter a valid date")
		}
		if !startOfDay(d).After(startOfDay(clock())) {
			return errors.New("Date must be in the future")
		}
		return nil
	})

	reg.Register("deadline-before-start", func(v any, values forms.Values) error {
		deadline, ok := forms.AsTime(v)
		if !ok {
			return errors.New("Please enter a valid date")
		}
		start, ok := values.Time("startDate")
		if ok && startOfDay(deadline).After(startOfDay(start)) {
			return errors.New("Registration must close before the tournament starts")
		}
		return nil
	})

	reg.Register("tournament-size", func(v any, _ forms.Values) error {
		n, ok := forms.AsInt(v)
		if !ok || !ValidSize(n) {
			return errors.New("Must be a power of two between 2 and 128")
		}
		return nil
	})

	reg.Register("distinct-players", func(v any, values forms.Values) error {
		if strings.EqualFold(strings.TrimSpace(forms.Stringify(v)), strings.TrimSpace(values.String("playerA"))) {
			return errors.New("A player cannot play against themselves")
		}
		return nil
	})

	reg.Register("set-scores", func(v any, values forms.Values) error {
		sets, err := ParseSets(forms.Stringify(v))
		if err != nil {
			return err
		}
		_, err = MatchWinner(sets, BestOf(values))
		return err
	})
}

// Age returns the completed years between dob and now.
func Age(dob, now time.Time) int {
	years := now.Year() - dob.Year()
	if now.Month() < dob.Month() || (now.Month() == dob.Month() && now.Day() < dob.Day()) {
		years--
	}
	if years < 0 {
		return 0
	}
	return years
}

// FormatDate renders a date for display, e.g. "Mar 7, 2026".
func FormatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format("Jan 2, 2006")
}

// BestOf reads the match format from the bestOf field.
func BestOf(values forms.Values) int {
	if !values.Has("bestOf") || forms.IsEmpty(values["bestOf"]) {
		return DefaultBestOf
	}
	return values.Int("bestOf")
}

// ValidSize reports whether n players fill a bracket: a power of two in 2..128.
func ValidSize(n int) bool {
	return n >= 2 && n <= 128 && n&(n-1) == 0
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
