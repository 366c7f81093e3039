package resolver

import (
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/claimnet/claimnode/errors"
)

// locator is a parsed claim reference: a name plus at most one qualifier.
// `name` selects the controlling claim, `name#ab12` selects by claim id
// prefix, `name:2` selects the second accepted claim. Channel names start
// with '@' but follow the same grammar.
type locator struct {
	name     string
	idPrefix string
	seq      int
}

func parseLocator(s string) (locator, error) {
	if s == "" {
		return locator{}, errors.NewBadRequestError("empty locator")
	}

	if name, prefix, ok := strings.Cut(s, "#"); ok {
		if name == "" || prefix == "" {
			return locator{}, errors.NewBadRequestError("invalid locator %q", s)
		}

		if strings.ContainsAny(prefix, ":#") {
			return locator{}, errors.NewBadRequestError("locator %q has multiple qualifiers", s)
		}

		prefix = strings.ToLower(prefix)

		if _, err := hex.DecodeString(padEven(prefix)); err != nil {
			return locator{}, errors.NewBadRequestError("claim id prefix %q is not hex", prefix)
		}

		return locator{name: name, idPrefix: prefix}, nil
	}

	if name, seqStr, ok := strings.Cut(s, ":"); ok {
		if name == "" || seqStr == "" {
			return locator{}, errors.NewBadRequestError("invalid locator %q", s)
		}

		if strings.ContainsAny(seqStr, ":#") {
			return locator{}, errors.NewBadRequestError("locator %q has multiple qualifiers", s)
		}

		seq, err := strconv.Atoi(seqStr)
		if err != nil || seq < 1 {
			return locator{}, errors.NewBadRequestError("claim sequence %q must be a positive integer", seqStr)
		}

		return locator{name: name, seq: seq}, nil
	}

	return locator{name: s}, nil
}

// padEven lets hex.DecodeString validate odd-length prefixes like "a1b".
func padEven(s string) string {
	if len(s)%2 == 1 {
		return s + "0"
	}

	return s
}
