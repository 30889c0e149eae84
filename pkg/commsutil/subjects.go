package commsutil

import (
	"fmt"
	"strings"
)

// Default COMMS subjects.
const (
	SubjectService    = "synapse.rpc"
	SubjectEvents     = "synapse.events"
	SubjectPushPrefix = "synapse.push"
)

// QueueGroup is the queue group service instances subscribe with, so each call is
// handled by exactly one instance.
const QueueGroup = "synapse-service"

// BuildServiceSubject builds the request subject of a named service.
func BuildServiceSubject(service string) string {
	if service == "" {
		return SubjectService
	}
	return fmt.Sprintf("%s.%s", SubjectService, sanitizeToken(service))
}

// BuildPushSubject builds the subject a push notification topic is published on.
func BuildPushSubject(topic string) string {
	return fmt.Sprintf("%s.%s", SubjectPushPrefix, sanitizeToken(topic))
}

// sanitizeToken keeps a value usable as a single subject token.
func sanitizeToken(s string) string {
	r := strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_")
	return r.Replace(s)
}
