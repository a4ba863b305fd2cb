// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// Common validation errors.
var (
	ErrInvalidTopicName   = errors.New("invalid topic name: contains wildcards or illegal characters")
	ErrInvalidTopicFilter = errors.New("invalid topic filter")
)

const sharePrefix = "$share/"

// ValidateTopicName checks if the topic name is valid for PUBLISH (no wildcards).
func ValidateTopicName(topic string) error {
	if topic == "" || !validString(topic) {
		return ErrInvalidTopicName
	}
	// "The Topic Name ... MUST NOT contain wildcard characters"
	if strings.ContainsAny(topic, "+#") {
		return ErrInvalidTopicName
	}
	return nil
}

// ValidateFilter checks a SUBSCRIBE or UNSUBSCRIBE filter. Wildcards must
// occupy a whole level and '#' must be last. Shared subscriptions are
// accepted and validated on their inner filter; the gateway forwards them
// unchanged.
func ValidateFilter(filter string) error {
	if filter == "" || !validString(filter) {
		return ErrInvalidTopicFilter
	}

	if share, inner, ok := ParseShared(filter); ok {
		if share == "" || strings.ContainsAny(share, "+#") {
			return ErrInvalidTopicFilter
		}
		filter = inner
	} else if strings.HasPrefix(filter, sharePrefix) {
		return ErrInvalidTopicFilter
	}

	levels := strings.Split(filter, "/")
	for i, level := range levels {
		switch {
		case level == "#":
			if i != len(levels)-1 {
				return ErrInvalidTopicFilter
			}
		case level == "+":
		case strings.ContainsAny(level, "+#"):
			return ErrInvalidTopicFilter
		}
	}
	return nil
}

// ParseShared splits "$share/{ShareName}/{TopicFilter}".
//
// Examples:
//   - "$share/group1/sensors/#" -> ("group1", "sensors/#", true)
//   - "sensors/#" -> ("", "sensors/#", false)
func ParseShared(filter string) (shareName, topicFilter string, isShared bool) {
	rest, ok := strings.CutPrefix(filter, sharePrefix)
	if !ok {
		return "", filter, false
	}
	shareName, topicFilter, ok = strings.Cut(rest, "/")
	if !ok || topicFilter == "" {
		return "", filter, false
	}
	return shareName, topicFilter, true
}

func validString(s string) bool {
	return utf8.ValidString(s) && !strings.ContainsRune(s, 0)
}
