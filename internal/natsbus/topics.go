package natsbus

import "fmt"

// Topic patterns for NATS pub/sub communication.

// TopicExec is where remote executors for an archetype answer requests.
func TopicExec(prefix, archetype string) string {
	return fmt.Sprintf("%s.%s", prefix, archetype)
}

func TopicRater(raterID string) string {
	return fmt.Sprintf("rate.%s", raterID)
}

func TopicEventsItem(status string) string {
	return fmt.Sprintf("events.item.%s", status)
}

const (
	TopicWorkSubmit     = "work.submit"
	TopicTickTrigger    = "control.tick"
	TopicEventsTick     = "events.tick.completed"
	TopicEventsVerdict  = "events.verdict"
	TopicEventsAll      = "events.>"
	TopicEventsAllItems = "events.item.*"
)
