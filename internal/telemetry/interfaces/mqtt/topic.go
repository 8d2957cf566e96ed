package mqtt

import (
	"fmt"
	"strings"

	"iot-ingestor/internal/telemetry/domain"
)

// Subscription filters covering every site and device.
const (
	FilterTelemetry = "site/+/device/+/telemetry"
	FilterAlarms    = "site/+/device/+/alarms"
)

// Filters returns the topic filters the ingestor subscribes to.
func Filters() []string {
	return []string{FilterTelemetry, FilterAlarms}
}

const topicSegments = 5

// Route is a decoded device topic.
type Route struct {
	Site     string
	DeviceID string
	Class    telemetry.MessageClass
}

// ParseRoute decodes site/<site>/device/<device>/<class>.
func ParseRoute(topic string) (Route, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != topicSegments {
		return Route{}, fmt.Errorf("%w: %q has %d segments, want %d", telemetry.ErrUnroutableTopic, topic, len(parts), topicSegments)
	}
	if parts[0] != "site" || parts[2] != "device" {
		return Route{}, fmt.Errorf("%w: %q does not match site/<site>/device/<device>/<class>", telemetry.ErrUnroutableTopic, topic)
	}
	if parts[1] == "" || parts[3] == "" {
		return Route{}, fmt.Errorf("%w: %q has an empty site or device", telemetry.ErrUnroutableTopic, topic)
	}
	class := telemetry.MessageClass(parts[4])
	if !class.Valid() {
		return Route{}, fmt.Errorf("%w: unknown class %q", telemetry.ErrUnroutableTopic, parts[4])
	}
	return Route{Site: parts[1], DeviceID: parts[3], Class: class}, nil
}
