package micro

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/petrarca/nats-micro/errors"
)

// ControlPrefix is the subject prefix under which every service
// answers the discovery verbs.
const ControlPrefix = "$SRV"

// Discovery verbs.
const (
	PingVerb  = "PING"
	InfoVerb  = "INFO"
	StatsVerb = "STATS"
)

var (
	nameRegexp    = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	versionRegexp = regexp.MustCompile(`^\d+\.\d+\.\d+(-[0-9A-Za-z-.]+)?(\+[0-9A-Za-z-.]+)?$`)
)

// ValidateName checks that a service or endpoint name contains only
// alphanumerics, dashes and underscores. Dots, spaces and wildcard
// tokens are rejected because names are embedded in control subjects.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: name is empty", errors.ErrInvalidName)
	}
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("%w: %q must match A-Za-z0-9_-", errors.ErrInvalidName, name)
	}
	return nil
}

// ValidateVersion checks that version is a semantic version string.
func ValidateVersion(version string) error {
	if !versionRegexp.MatchString(version) {
		return fmt.Errorf("%w: %q is not a valid semver string", errors.ErrInvalidVersion, version)
	}
	return nil
}

// ValidateSubject checks a literal subject: dot-separated non-empty
// tokens with no spaces or wildcards. Handlers subscribe on literal
// subjects only.
func ValidateSubject(subject string) error {
	if subject == "" {
		return fmt.Errorf("%w: subject is empty", errors.ErrInvalidSubject)
	}
	for _, tok := range strings.Split(subject, ".") {
		if tok == "" {
			return fmt.Errorf("%w: %q has an empty token", errors.ErrInvalidSubject, subject)
		}
		if tok == "*" || tok == ">" {
			return fmt.Errorf("%w: %q contains a wildcard", errors.ErrInvalidSubject, subject)
		}
		if strings.ContainsAny(tok, " \t\r\n") {
			return fmt.Errorf("%w: %q contains whitespace", errors.ErrInvalidSubject, subject)
		}
	}
	return nil
}

// ControlSubject composes a discovery subject at one of three
// specificity levels: verb only, verb plus service name, or verb
// plus name plus instance id.
func ControlSubject(verb, name, id string) string {
	parts := []string{ControlPrefix, verb}
	if name != "" {
		parts = append(parts, name)
		if id != "" {
			parts = append(parts, id)
		}
	}
	return strings.Join(parts, ".")
}

// controlSubjects returns the nine discovery subjects a running
// instance listens on: every verb at every specificity level.
func controlSubjects(name, id string) []string {
	verbs := []string{PingVerb, InfoVerb, StatsVerb}
	subjects := make([]string, 0, 3*len(verbs))
	for _, verb := range verbs {
		subjects = append(subjects,
			ControlSubject(verb, "", ""),
			ControlSubject(verb, name, ""),
			ControlSubject(verb, name, id),
		)
	}
	return subjects
}
