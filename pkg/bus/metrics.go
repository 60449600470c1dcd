package bus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	publishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bus_published_total",
		Help: "Total number of messages published to the bus",
	}, []string{"transport"})

	publishFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bus_publish_failures_total",
		Help: "Total number of publish calls that returned an error",
	}, []string{"transport"})

	deliveredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bus_delivered_total",
		Help: "Total number of messages handed to subscribers",
	}, []string{"transport"})

	droppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bus_dropped_total",
		Help: "Total number of messages dropped because a subscriber buffer was full",
	}, []string{"transport"})

	handlerErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bus_handler_errors_total",
		Help: "Total number of subscriber handlers that returned an error",
	}, []string{"transport"})
)

func recordPublish(transport string, err error) {
	if err != nil {
		publishFailuresTotal.WithLabelValues(transport).Inc()
		return
	}
	publishedTotal.WithLabelValues(transport).Inc()
}

func recordDelivery(transport string) {
	deliveredTotal.WithLabelValues(transport).Inc()
}

func recordDrop(transport string) {
	droppedTotal.WithLabelValues(transport).Inc()
}

func recordHandlerError(transport string) {
	handlerErrorsTotal.WithLabelValues(transport).Inc()
}
