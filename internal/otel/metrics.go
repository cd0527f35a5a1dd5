package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all relay metric instruments.
type Metrics struct {
	RequestDuration  metric.Float64Histogram
	ToolCallDuration metric.Float64Histogram
	ToolCallErrors   metric.Int64Counter
	MessagesAppended metric.Int64Counter
	TasksStarted     metric.Int64Counter
	LiveChannels     metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("agentrelay.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallDuration, err = meter.Float64Histogram("agentrelay.tool.duration",
		metric.WithDescription("Tool call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallErrors, err = meter.Int64Counter("agentrelay.tool.errors",
		metric.WithDescription("Tool call error count"),
	)
	if err != nil {
		return nil, err
	}

	m.MessagesAppended, err = meter.Int64Counter("agentrelay.messages.appended",
		metric.WithDescription("Messages appended to the log"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksStarted, err = meter.Int64Counter("agentrelay.tasks.started",
		metric.WithDescription("Tasks marked started by a first message"),
	)
	if err != nil {
		return nil, err
	}

	m.LiveChannels, err = meter.Int64UpDownCounter("agentrelay.channels.live",
		metric.WithDescription("Currently open notification channels"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
