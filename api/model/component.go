package model

import (
	"fmt"
	"regexp"
	"strings"
)

// Component is a deployable unit of a customer landing zone:
// "management", "hub" or "spoke-<name>".
type Component string

const (
	ComponentManagement Component = "management"
	ComponentHub        Component = "hub"

	spokePrefix = "spoke-"
)

var spokeNameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,30}$`)

func ParseComponent(s string) (Component, error) {
	switch c := Component(s); c {
	case ComponentManagement, ComponentHub:
		return c, nil
	}
	name, ok := strings.CutPrefix(s, spokePrefix)
	if !ok || !ValidSpokeName(name) {
		return "", fmt.Errorf("%w: %q", ErrUnknownComponent, s)
	}
	return Component(s), nil
}

func SpokeComponent(name string) Component {
	return Component(spokePrefix + name)
}

// Spoke returns the spoke name for spoke components.
func (c Component) Spoke() (string, bool) {
	name, ok := strings.CutPrefix(string(c), spokePrefix)
	if !ok || name == "" {
		return "", false
	}
	return name, true
}

func (c Component) String() string { return string(c) }

func ValidSpokeName(name string) bool {
	return spokeNameRe.MatchString(name)
}
