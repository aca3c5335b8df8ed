package tournament

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Side identifies a player of a match.
type Side string

const (
	SideA Side = "A"
	SideB Side = "B"
)

var (
	ErrNoSets       = errors.New("Enter at least one set")
	ErrTiedSet      = errors.New("A set cannot end in a tie")
	ErrUnfinished   = errors.New("The match has no winner yet")
	ErrExtraSets    = errors.New("Sets were entered after the match was decided")
	ErrInvalidScore = errors.New("Scores look like 6-4, 3-6, 7-5")
	ErrBestOf       = errors.New("Matches are played over an odd number of sets")
)

// DefaultBestOf is the match format when none was chosen.
const DefaultBestOf = 3

// SetScore is the games won by each player in one set.
type SetScore struct {
	A int
	B int
}

func (s SetScore) String() string {
	return fmt.Sprintf("%d-%d", s.A, s.B)
}

// ParseSets reads scores such as "6-4, 3-6, 7-5".
func ParseSets(raw string) ([]SetScore, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrNoSets
	}
	var sets []SetScore
	for _, part := range strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ';' }) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		a, b, ok := strings.Cut(part, "-")
		if !ok {
			return nil, ErrInvalidScore
		}
		ga, errA := strconv.Atoi(strings.TrimSpace(a))
		gb, errB := strconv.Atoi(strings.TrimSpace(b))
		if errA != nil || errB != nil || ga < 0 || gb < 0 {
			return nil, ErrInvalidScore
		}
		sets = append(sets, SetScore{A: ga, B: gb})
	}
	if len(sets) == 0 {
		return nil, ErrNoSets
	}
	return sets, nil
}

// MatchWinner decides a best-of-n match from its set scores. The winner must
// take a majority of the n sets, so sets entered after the match was decided
// are rejected and a short score line is unfinished.
func MatchWinner(sets []SetScore, bestOf int) (Side, error) {
	if bestOf < 1 || bestOf%2 == 0 {
		return "", ErrBestOf
	}
	if len(sets) == 0 {
		return "", ErrNoSets
	}
	needed := bestOf/2 + 1
	var wonA, wonB int
	for i, s := range sets {
		if wonA == needed || wonB == needed {
			return "", ErrExtraSets
		}
		switch {
		case s.A > s.B:
			wonA++
		case s.B > s.A:
			wonB++
		default:
			return "", fmt.Errorf("set %d: %w", i+1, ErrTiedSet)
		}
	}
	switch {
	case wonA == needed:
		return SideA, nil
	case wonB == needed:
		return SideB, nil
	default:
		return "", ErrUnfinished
	}
}
