package mqtt

import (
	"fmt"
	"strings"
)

// TopicPrefixBridge is the base for topics the bridge publishes about itself.
const TopicPrefixBridge = "mqttbridge"

// maxTopicLength is the MQTT limit on the UTF-8 encoded length of a topic.
const maxTopicLength = 65535

// Topics provides builders for the bridge's own MQTT topics.
//
//	topics := mqtt.Topics{}
//	status := topics.Status("bridge-01")
//	// Returns: "mqttbridge/bridge-01/status"
type Topics struct{}

// Status returns the retained online/offline status topic of a client.
// The LWT is published here by the broker on unexpected disconnect.
//
// Example: mqttbridge/bridge-01/status
func (Topics) Status(clientID string) string {
	return fmt.Sprintf("%s/%s/status", TopicPrefixBridge, clientID)
}

// Heartbeat returns the topic the keepalive ping publishes to.
//
// Example: mqttbridge/bridge-01/status/heartbeat
func (Topics) Heartbeat(statusTopic string) string {
	return statusTopic + "/heartbeat"
}

// ValidateTopicName checks a topic a message is published to. Wildcards
// are not allowed in topic names.
func ValidateTopicName(topic string) error {
	if err := validateCommon(topic); err != nil {
		return err
	}
	if strings.ContainsAny(topic, "+#") {
		return fmt.Errorf("%w: wildcard in topic name %q", ErrInvalidTopic, topic)
	}
	return nil
}

// ValidateTopicFilter checks a subscription filter. '+' must occupy a
// whole level and '#' must be the whole last level.
func ValidateTopicFilter(filter string) error {
	if err := validateCommon(filter); err != nil {
		return err
	}

	levels := strings.Split(filter, "/")
	for i, level := range levels {
		switch {
		case level == "#":
			if i != len(levels)-1 {
				return fmt.Errorf("%w: '#' must be the last level in %q", ErrInvalidTopic, filter)
			}
		case level == "+":
		case strings.ContainsAny(level, "+#"):
			return fmt.Errorf("%w: wildcard must occupy a whole level in %q", ErrInvalidTopic, filter)
		}
	}
	return nil
}

func validateCommon(topic string) error {
	if topic == "" {
		return fmt.Errorf("%w: topic cannot be empty", ErrInvalidTopic)
	}
	if len(topic) > maxTopicLength {
		return fmt.Errorf("%w: topic longer than %d bytes", ErrInvalidTopic, maxTopicLength)
	}
	if strings.ContainsRune(topic, 0) {
		return fmt.Errorf("%w: topic contains NUL", ErrInvalidTopic)
	}
	return nil
}

// MatchTopic reports whether topic is matched by filter. Topics starting
// with '$' are not matched by filters whose first level is a wildcard.
func MatchTopic(filter, topic string) bool {
	if strings.HasPrefix(topic, "$") && (strings.HasPrefix(filter, "+") || strings.HasPrefix(filter, "#")) {
		return false
	}

	fl := strings.Split(filter, "/")
	tl := strings.Split(topic, "/")
	for i, f := range fl {
		if f == "#" {
			return true
		}
		if i >= len(tl) {
			return false
		}
		if f != "+" && f != tl[i] {
			return false
		}
	}
	return len(fl) == len(tl)
}
