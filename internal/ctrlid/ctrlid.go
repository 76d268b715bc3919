// Package ctrlid defines the controller identity type shared by every
// component that needs to name a bus side or build its topic filters:
// config, busclient, forwarder, supervisor, and discovery all import it
// instead of passing raw strings around.
package ctrlid

import (
	"fmt"
	"regexp"
	"strings"
)

// Namespace is the fixed top-level topic segment every filter is rooted
// under.
const Namespace = "foris-controller"

var idPattern = regexp.MustCompile(`^[0-9a-fA-F]{16}$`)

// ID is a validated, normalized (uppercase hex) controller identity.
type ID string

// Parse validates raw as a 16-character hex controller id and returns its
// normalized (uppercase) form. An empty or malformed id is rejected so that
// a bad configuration value fails at load time rather than at first publish.
func Parse(raw string) (ID, error) {
	if !idPattern.MatchString(raw) {
		return "", fmt.Errorf("ctrlid: %q is not a 16-character hex controller id", raw)
	}
	return ID(strings.ToUpper(raw)), nil
}

// MustParse is Parse, panicking on error. Reserved for constants and tests;
// never call it on a value derived from configuration or the network.
func MustParse(raw string) ID {
	id, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return id
}

func (id ID) String() string { return string(id) }

// Filter is a single subscription filter paired with its QoS.
type Filter struct {
	Topic string
	QoS   byte
}

// HostFilters returns the filters the host-side client subscribes to on
// behalf of controller id: inbound requests and list/schema queries
// addressed to that controller.
func HostFilters(id ID) []Filter {
	base := Namespace + "/" + id.String()
	return []Filter{
		{Topic: base + "/request/+/action/+", QoS: 0},
		{Topic: base + "/request/+/list", QoS: 0},
		{Topic: base + "/list", QoS: 0},
		{Topic: base + "/schema", QoS: 0},
	}
}

// SubordinateFilters returns the filters the subordinate-side client
// subscribes to: notifications and replies flowing back toward the host.
func SubordinateFilters(id ID) []Filter {
	base := Namespace + "/" + id.String()
	return []Filter{
		{Topic: base + "/notification/+/action/+", QoS: 0},
		{Topic: base + "/reply/+", QoS: 0},
	}
}

// Topics returns the bare topic strings of fs, in order, for callers (such
// as Unsubscribe) that only need the topic half of a Filter.
func Topics(fs []Filter) []string {
	out := make([]string, len(fs))
	for i, f := range fs {
		out[i] = f.Topic
	}
	return out
}
